package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifestFile(t *testing.T, dir, name, doc string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func simpleManifest(id string, commands ...string) string {
	doc := "id: " + id + "\nversion: \"1.0.0\"\nexec: {command: /bin/true}\n"
	if len(commands) > 0 {
		doc += "commands: ["
		for i, c := range commands {
			if i > 0 {
				doc += ", "
			}
			doc += c
		}
		doc += "]\n"
	}
	return doc
}

func TestManagerLoadUnload(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())

	dir := t.TempDir()
	path := writeManifestFile(t, dir, "dice.yaml", simpleManifest("dice", "roll"))

	e, err := m.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if e.Supervisor.State() != StateLoaded {
		t.Fatalf("state = %s, want %s", e.Supervisor.State(), StateLoaded)
	}
	if id, ok := m.ForCommand("roll"); !ok || id != "dice" {
		t.Fatalf("ForCommand = %s, %v", id, ok)
	}

	info, err := m.Get("dice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.State != StateLoaded || info.Version != "1.0.0" || info.Profile != "minimal" {
		t.Fatalf("info = %+v", info)
	}

	if err := m.Unload("dice"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if _, err := m.Get("dice"); !errors.Is(err, ErrPluginUnknown) {
		t.Fatalf("Get after unload = %v", err)
	}
	if _, ok := m.ForCommand("roll"); ok {
		t.Fatal("command survived unload")
	}
}

func TestManagerLoadDirCollectsFailures(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())

	dir := t.TempDir()
	writeManifestFile(t, dir, "a.yaml", simpleManifest("alpha", "a"))
	writeManifestFile(t, dir, "b.yaml", simpleManifest("beta", "a")) // conflicts with alpha
	writeManifestFile(t, dir, "c.yaml", simpleManifest("gamma", "c"))

	loaded, err := m.LoadDir(dir)
	if err == nil {
		t.Fatal("expected an aggregate error for the conflicting manifest")
	}
	if !errors.Is(err, ErrCommandConflict) {
		t.Fatalf("error = %v, want ErrCommandConflict in the chain", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d plugins, want 2", len(loaded))
	}
	if m.Registry().Len() != 2 {
		t.Fatalf("registry has %d entries, want 2", m.Registry().Len())
	}
}

func TestManagerStartStopThroughIDs(t *testing.T) {
	b := newMemBus(t)
	stop := spamReady(b, "runner")
	defer stop()

	m := NewManager(b, testConfig())
	dir := t.TempDir()
	doc := "id: runner\nversion: \"1\"\nexec: {command: /bin/sh, args: [\"-c\", \"exec sleep 60\"]}\n"
	writeManifestFile(t, dir, "runner.yaml", doc)
	if _, err := m.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx, "runner"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Unload("runner"); !errors.Is(err, ErrPluginBusy) {
		t.Fatalf("Unload while running = %v, want ErrPluginBusy", err)
	}

	graceful, err := m.Stop(ctx, "runner")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !graceful {
		t.Fatal("expected graceful stop")
	}
	if err := m.Unload("runner"); err != nil {
		t.Fatalf("Unload after stop failed: %v", err)
	}
}

func TestManagerStartAllAndStopAll(t *testing.T) {
	b := newMemBus(t)
	stopA := spamReady(b, "worker-a")
	defer stopA()
	stopB := spamReady(b, "worker-b")
	defer stopB()

	m := NewManager(b, testConfig())
	dir := t.TempDir()
	sleeper := "version: \"1\"\nexec: {command: /bin/sh, args: [\"-c\", \"exec sleep 60\"]}\n"
	writeManifestFile(t, dir, "a.yaml", "id: worker-a\n"+sleeper)
	writeManifestFile(t, dir, "b.yaml", "id: worker-b\n"+sleeper)
	writeManifestFile(t, dir, "c.yaml", "id: broken\nversion: \"1\"\nexec: {command: /nonexistent/binary}\n")
	if _, err := m.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := m.StartAll(ctx)
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("StartAll error = %v, want ErrSpawnFailed for broken", err)
	}

	infos := m.List()
	states := map[string]State{}
	for _, info := range infos {
		states[info.ID] = info.State
	}
	if states["worker-a"] != StateRunning || states["worker-b"] != StateRunning {
		t.Fatalf("states = %v", states)
	}
	if states["broken"] != StateFailed {
		t.Fatalf("broken state = %s, want %s", states["broken"], StateFailed)
	}

	m.StopAll(ctx)
	for _, info := range m.List() {
		if info.State == StateRunning {
			t.Fatalf("%s still running after StopAll", info.ID)
		}
	}
}

func TestManagerUnknownPlugin(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())
	ctx := context.Background()
	if err := m.Start(ctx, "ghost"); !errors.Is(err, ErrPluginUnknown) {
		t.Fatalf("Start = %v", err)
	}
	if _, err := m.Stop(ctx, "ghost"); !errors.Is(err, ErrPluginUnknown) {
		t.Fatalf("Stop = %v", err)
	}
	if err := m.Restart(ctx, "ghost"); !errors.Is(err, ErrPluginUnknown) {
		t.Fatalf("Restart = %v", err)
	}
	if err := m.Unload("ghost"); !errors.Is(err, ErrPluginUnknown) {
		t.Fatalf("Unload = %v", err)
	}
}
