package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role tags who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Category classifies a stored memory.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryTopic      Category = "topic"
)

func (c Category) valid() bool {
	return c == CategoryFact || c == CategoryPreference || c == CategoryTopic
}

// Message is one entry in a channel's recent-context list.
type Message struct {
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	User      string  `json:"user,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Memory is a long-lived record recalled by keyword search.
type Memory struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Category   Category `json:"category"`
	Importance int      `json:"importance"`
	User       string   `json:"user,omitempty"`
	CreatedAt  float64  `json:"created_at"`
}

const (
	defaultContextSize = 25
	defaultRecallLimit = 5
	casAttempts        = 3
)

// Store implements the channel memory schema over any KV backend. The recent
// list for a channel is trimmed oldest-first to twice the context size; reads
// return at most the context size unless the caller asks for less.
type Store struct {
	kv          KV
	contextSize int
	now         func() time.Time
}

// StoreOption adjusts store construction.
type StoreOption func(*Store)

// WithContextSize sets N, the number of recent messages served by default.
func WithContextSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.contextSize = n
		}
	}
}

// WithStoreClock injects the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore wraps a backend.
func NewStore(kv KV, opts ...StoreOption) *Store {
	s := &Store{kv: kv, contextSize: defaultContextSize, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ContextSize returns N.
func (s *Store) ContextSize() int { return s.contextSize }

// Close closes the backend.
func (s *Store) Close() error { return s.kv.Close() }

func messagesKey(channel string) string {
	return "messages:" + channel + ":recent"
}

func memoryKey(channel, id string) string {
	return "memories:" + channel + ":" + id
}

func memoryPrefix(channel string) string {
	return "memories:" + channel + ":"
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// AppendMessage appends one message to the channel's recent list, trimming
// oldest-first to twice the context size. On backends with revisions the
// read-modify-write runs under compare-and-set with bounded retries; plain
// backends get last-writer-wins.
func (s *Store) AppendMessage(ctx context.Context, channel string, role Role, content, user string) error {
	if !role.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	msg := Message{Role: role, Content: content, User: user, Timestamp: epoch(s.now())}
	key := messagesKey(channel)

	rkv, hasRev := s.kv.(RevKV)
	if !hasRev {
		msgs, err := s.readMessages(ctx, key)
		if err != nil {
			return err
		}
		return s.writeMessages(ctx, key, s.appendTrim(msgs, msg))
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, rev, err := rkv.GetRev(ctx, key)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}
		var msgs []Message
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return fmt.Errorf("%w: corrupt message list for %q: %v", ErrUnavailable, channel, err)
			}
		}
		out, err := json.Marshal(s.appendTrim(msgs, msg))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if _, err := rkv.PutRev(ctx, key, out, rev); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: append to %q lost %d races", ErrConflict, channel, casAttempts)
}

func (s *Store) appendTrim(msgs []Message, msg Message) []Message {
	msgs = append(msgs, msg)
	if bound := 2 * s.contextSize; len(msgs) > bound {
		msgs = msgs[len(msgs)-bound:]
	}
	return msgs
}

func (s *Store) readMessages(ctx context.Context, key string) ([]Message, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("%w: corrupt message list: %v", ErrUnavailable, err)
	}
	return msgs, nil
}

func (s *Store) writeMessages(ctx context.Context, key string, msgs []Message) error {
	out, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.kv.Put(ctx, key, out)
}

// RecentMessages returns the channel's last messages in append order. A
// non-positive limit means the configured context size.
func (s *Store) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.contextSize
	}
	msgs, err := s.readMessages(ctx, messagesKey(channel))
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ResetContext deletes the channel's recent list and reports how many
// messages it held.
func (s *Store) ResetContext(ctx context.Context, channel string) (int, error) {
	key := messagesKey(channel)
	msgs, err := s.readMessages(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return 0, err
	}
	return len(msgs), nil
}

// Remember stores a memory and returns its short id.
func (s *Store) Remember(ctx context.Context, channel, content string, category Category, importance int, user string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidMemory)
	}
	if !category.valid() {
		return "", fmt.Errorf("%w: category %q", ErrInvalidMemory, category)
	}
	if importance < 1 || importance > 5 {
		return "", fmt.Errorf("%w: importance %d out of range 1..5", ErrInvalidMemory, importance)
	}
	mem := Memory{
		ID:         shortID(),
		Content:    content,
		Category:   category,
		Importance: importance,
		User:       user,
		CreatedAt:  epoch(s.now()),
	}
	raw, err := json.Marshal(mem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.kv.Put(ctx, memoryKey(channel, mem.ID), raw); err != nil {
		return "", err
	}
	return mem.ID, nil
}

// Recall searches the channel's memories: a memory matches when its content
// contains any whitespace-separated query term, case-insensitively. Results
// rank by importance descending, then recency descending. A non-positive
// limit means 5. An empty query matches nothing.
func (s *Store) Recall(ctx context.Context, channel, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	keys, err := s.kv.Keys(ctx, memoryPrefix(channel))
	if err != nil {
		return nil, err
	}

	var hits []Memory
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var mem Memory
		if err := json.Unmarshal(raw, &mem); err != nil {
			continue
		}
		content := strings.ToLower(mem.Content)
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits = append(hits, mem)
				break
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Importance != hits[j].Importance {
			return hits[i].Importance > hits[j].Importance
		}
		return hits[i].CreatedAt > hits[j].CreatedAt
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Forget deletes one memory, reporting whether it existed.
func (s *Store) Forget(ctx context.Context, channel, id string) (bool, error) {
	key := memoryKey(channel, id)
	if _, err := s.kv.Get(ctx, key); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return false, err
	}
	return true, nil
}

// shortID returns the first eight hex characters of a fresh UUID.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
