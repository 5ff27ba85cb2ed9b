package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"wincell/pkg/manifest"
)

func writeManifest(t *testing.T, dir, sub, content string) string {
	t.Helper()
	root := filepath.Join(dir, sub)
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("create container dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, manifest.FileName), []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return root
}

func TestLoadMissingDirectory(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d containers", reg.Len())
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	rootB := writeManifest(t, dir, "b", "id: beta\nname: Beta\n")
	writeManifest(t, dir, "a", "id: alpha\nname: Alpha\n")

	// Directories without a manifest and loose files are ignored.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("loaded %d containers, want 2", len(list))
	}
	if list[0].Manifest.ID != "alpha" || list[1].Manifest.ID != "beta" {
		t.Errorf("List order = [%s %s], want [alpha beta]", list[0].Manifest.ID, list[1].Manifest.ID)
	}

	beta, ok := reg.Get("beta")
	if !ok {
		t.Fatal("beta not found")
	}
	if beta.Root != rootB {
		t.Errorf("beta root = %s, want %s", beta.Root, rootB)
	}
}

func TestLoadReportsInvalidManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a", "id: one\nname: One\n")
	writeManifest(t, dir, "b", "id: one\nname: Duplicate\n")
	writeManifest(t, dir, "c", "name: missing id\n")
	writeManifest(t, dir, "d", "id: two\nname: Two\n")

	reg, err := Load(dir)
	if err == nil {
		t.Fatal("expected joined error for invalid manifests")
	}
	if !errors.Is(err, manifest.ErrInvalid) {
		t.Errorf("error %v does not wrap ErrInvalid", err)
	}
	if reg == nil {
		t.Fatal("valid containers must still be returned")
	}
	if reg.Len() != 2 {
		t.Errorf("loaded %d containers, want 2", reg.Len())
	}

	one, _ := reg.Get("one")
	if one == nil || one.Manifest.Name != "One" {
		t.Errorf("first directory should win for duplicate id, got %+v", one)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a", "id: alpha\nname: Alpha\n")

	initial, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w, err := NewWatcher(dir, initial, logrus.WithField("source", "test"))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounce = 50 * time.Millisecond

	var mu sync.Mutex
	var reloaded *Registry
	w.OnReload(func(r *Registry) {
		mu.Lock()
		reloaded = r
		mu.Unlock()
	})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	writeManifest(t, dir, "a", "id: alpha\nname: Alpha Renamed\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := reloaded
		mu.Unlock()
		if got != nil {
			c, ok := got.Get("alpha")
			if ok && c.Manifest.Name == "Alpha Renamed" {
				if w.Registry() != got {
					t.Error("Registry() should return the reloaded registry")
				}
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("OnReload callback was not called with the updated manifest")
}
