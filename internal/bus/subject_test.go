package bus

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		subject string
		want    bool
	}{
		{"rosey", true},
		{"rosey.events.message", true},
		{"rosey.platform.cytube.message", true},
		{"rosey.commands.*.*", true},
		{"rosey.events.>", true},
		{"rosey.>", true},
		{"", false},
		{"events.message", false},              // missing root
		{"rosey..message", false},              // empty token
		{"rosey.events.", false},               // trailing empty token
		{"rosey.>.message", false},             // '>' not last
		{"rosey.ev ents", false},               // whitespace
		{".rosey.events", false},               // leading empty token
		{"Rosey.events.message", false},        // root is case sensitive
		{"rosey.db.row.dice.insert", true},
	}
	for _, tc := range cases {
		if got := Validate(tc.subject); got != tc.want {
			t.Errorf("Validate(%q) = %v, want %v", tc.subject, got, tc.want)
		}
	}
}

func TestBuild(t *testing.T) {
	s, err := Build("events", "message")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s != "rosey.events.message" {
		t.Errorf("Build prepend: got %q", s)
	}

	s, err = Build("rosey", "commands", "dice", "roll")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s != "rosey.commands.dice.roll" {
		t.Errorf("Build: got %q", s)
	}

	if _, err := Build(); err == nil {
		t.Error("Build() with no tokens should fail")
	}
	if _, err := Build("events", ""); err == nil {
		t.Error("Build with empty token should fail")
	}
	if _, err := Build(">", "events"); err == nil {
		t.Error("Build with non-final '>' should fail")
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		subject string
		pattern string
		want    bool
	}{
		// Seed scenarios.
		{"rosey.commands.trivia.answer", "rosey.commands.*.*", true},
		{"rosey.commands.trivia.answer", "rosey.events.>", false},

		{"rosey.events.message", "rosey.events.message", true},
		{"rosey.events.message", "rosey.events.*", true},
		{"rosey.events.message", "rosey.*.message", true},
		{"rosey.events.message", "rosey.>", true},
		{"rosey.events.message", "rosey.events.>", true},

		// Patterns without '>' require equal token counts.
		{"rosey.events.message.extra", "rosey.events.*", false},
		{"rosey.events", "rosey.events.*", false},

		// '>' needs at least one remaining token.
		{"rosey.events", "rosey.events.>", false},
		{"rosey.events.a.b.c", "rosey.events.>", true},

		// '*' matches exactly one token.
		{"rosey.plugins.dice.resource.exceeded", "rosey.plugins.*.resource.exceeded", true},
		{"rosey.plugins.dice.crashed", "rosey.plugins.*.*", true},
		{"rosey.plugins.dice.resource.exceeded", "rosey.plugins.*.*", false},

		// Invalid inputs never match.
		{"rosey..x", "rosey.>", false},
		{"rosey.events.message", "rosey.>.message", false},
	}
	for _, tc := range cases {
		if got := Matches(tc.subject, tc.pattern); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.subject, tc.pattern, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	sub, err := Parse("rosey.platform.cytube.message")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sub.Base != "rosey" || sub.Category != "platform" || sub.Platform != "cytube" || sub.Event != "message" {
		t.Errorf("Parse platform subject: got %+v", sub)
	}

	sub, err = Parse("rosey.commands.dice.roll")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sub.Plugin != "dice" || sub.Action != "roll" {
		t.Errorf("Parse command subject: got %+v", sub)
	}

	sub, err = Parse("rosey.plugins.dice.resource.exceeded")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sub.Plugin != "dice" || sub.Event != "resource.exceeded" {
		t.Errorf("Parse plugin subject with dotted event: got %+v", sub)
	}

	sub, err = Parse("rosey.db.row.quotes.schema.register")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sub.Service != "row" || sub.Plugin != "quotes" || sub.Action != "schema.register" {
		t.Errorf("Parse db subject: got %+v", sub)
	}

	if _, err := Parse("rosey.commands.*.roll"); err == nil {
		t.Error("Parse should reject wildcard tokens")
	}
	if _, err := Parse("rosey.platform.cytube"); err == nil {
		t.Error("Parse should reject truncated platform subject")
	}
	if _, err := Parse("events.message"); err == nil {
		t.Error("Parse should reject missing root")
	}

	if got := sub.String(); got != "rosey.db.row.quotes.schema.register" {
		t.Errorf("String round-trip: got %q", got)
	}
}

func TestSubjectBuilders(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{PlatformSubject("cytube", "message"), "rosey.platform.cytube.message"},
		{EventSubject("command.unhandled"), "rosey.events.command.unhandled"},
		{CommandSubject("dice", "roll"), "rosey.commands.dice.roll"},
		{CommandSubject("dice", ""), "rosey.commands.dice.execute"},
		{PluginSubject("dice", "ready"), "rosey.plugins.dice.ready"},
		{MonitoringSubject("rss"), "rosey.monitoring.rss"},
		{SecuritySubject("denied"), "rosey.security.denied"},
		{DBRowSubject("quotes", "insert"), "rosey.db.row.quotes.insert"},
		{DBKVSubject("quotes", "get"), "rosey.db.kv.quotes.get"},
		{DBMigrateSubject("quotes", "apply"), "rosey.db.migrate.quotes.apply"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("builder: got %q, want %q", tc.got, tc.want)
		}
		if !Validate(tc.got) {
			t.Errorf("builder produced invalid subject %q", tc.got)
		}
	}

	inbox := InboxSubject("abc-123")
	if !Validate(inbox) || !strings.HasPrefix(inbox, "rosey.inbox.") {
		t.Errorf("InboxSubject: got %q", inbox)
	}
}
