package plugin

import (
	"context"
	"testing"
	"time"
)

func TestWatcherHotLoadsNewManifest(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())
	dir := t.TempDir()

	w, err := NewWatcher(m, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	writeManifestFile(t, dir, "dice.yaml", simpleManifest("dice", "roll"))
	waitFor(t, 3*time.Second, "hot load", func() bool {
		_, ok := m.Registry().Get("dice")
		return ok
	})
	if id, ok := m.ForCommand("roll"); !ok || id != "dice" {
		t.Fatalf("ForCommand after hot load = %s, %v", id, ok)
	}
}

func TestWatcherReloadsChangedManifest(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())
	dir := t.TempDir()

	w, err := NewWatcher(m, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() { w.Close() })

	writeManifestFile(t, dir, "dice.yaml", simpleManifest("dice", "roll"))
	waitFor(t, 3*time.Second, "initial load", func() bool {
		_, ok := m.Registry().Get("dice")
		return ok
	})

	doc := "id: dice\nversion: \"2.0.0\"\nexec: {command: /bin/true}\ncommands: [roll, flip]\n"
	writeManifestFile(t, dir, "dice.yaml", doc)
	waitFor(t, 3*time.Second, "reload", func() bool {
		info, err := m.Get("dice")
		return err == nil && info.Version == "2.0.0"
	})
	if id, ok := m.ForCommand("flip"); !ok || id != "dice" {
		t.Fatalf("new command after reload = %s, %v", id, ok)
	}
}

func TestWatcherIgnoresInvalidManifest(t *testing.T) {
	b := newMemBus(t)
	m := NewManager(b, testConfig())
	dir := t.TempDir()

	w, err := NewWatcher(m, dir)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() { w.Close() })

	writeManifestFile(t, dir, "bad.yaml", "id: BAD ID\n")
	writeManifestFile(t, dir, "good.yaml", simpleManifest("good"))
	waitFor(t, 3*time.Second, "valid manifest load", func() bool {
		_, ok := m.Registry().Get("good")
		return ok
	})
	if m.Registry().Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", m.Registry().Len())
	}
}
