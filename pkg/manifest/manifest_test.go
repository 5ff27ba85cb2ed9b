package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	data := []byte(`
id: notepad-plus
name: Notepad++
version: "8.6"
runtime:
  build: win64
paths:
  appdata: data/roaming
entrypoint: C:\Apps\notepad++.exe
args: ["-multiInst"]
redirects:
  - original: C:\Users\me\AppData
    redirected: user\AppData
mount:
  drive: X
`)

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := &Manifest{
		ID:         "notepad-plus",
		Name:       "Notepad++",
		Version:    "8.6",
		Runtime:    Runtime{Build: "win64"},
		Paths:      Paths{AppData: "data/roaming"},
		Entrypoint: `C:\Apps\notepad++.exe`,
		Args:       []string{"-multiInst"},
		Redirects:  []Redirect{{Original: `C:\Users\me\AppData`, Redirected: `user\AppData`}},
		Mount:      MountConfig{Drive: "X"},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
	if !m.MountEnabled() {
		t.Error("mount should be enabled by default")
	}
}

func TestParseMinimal(t *testing.T) {
	m, err := Parse([]byte("id: c1\nname: First\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.DisplayVersion() != "latest" {
		t.Errorf("DisplayVersion = %q, want latest", m.DisplayVersion())
	}
	if m.Paths != (Paths{}) {
		t.Errorf("expected no path overrides, got %+v", m.Paths)
	}
}

func TestValidate(t *testing.T) {
	disabled := false

	tests := []struct {
		name      string
		manifest  Manifest
		wantError bool
	}{
		{"valid", Manifest{ID: "c1", Name: "one"}, false},
		{"mount disabled", Manifest{ID: "c1", Name: "one", Mount: MountConfig{Enabled: &disabled}}, false},
		{"empty id", Manifest{Name: "one"}, true},
		{"id with slash", Manifest{ID: "a/b", Name: "one"}, true},
		{"id with backslash", Manifest{ID: `a\b`, Name: "one"}, true},
		{"id with dotdot", Manifest{ID: "..", Name: "one"}, true},
		{"empty name", Manifest{ID: "c1"}, true},
		{"relative redirect original", Manifest{ID: "c1", Name: "one", Redirects: []Redirect{{Original: "AppData", Redirected: "x"}}}, true},
		{"empty redirected base", Manifest{ID: "c1", Name: "one", Redirects: []Redirect{{Original: `C:\x`, Redirected: " "}}}, true},
		{"bad drive", Manifest{ID: "c1", Name: "one", Mount: MountConfig{Drive: "XY"}}, true},
		{"numeric drive", Manifest{ID: "c1", Name: "one", Mount: MountConfig{Drive: "1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if (err != nil) != tt.wantError {
				t.Fatalf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestIsAbs(t *testing.T) {
	tests := map[string]bool{
		`C:\Users`:          true,
		`c:/users`:          true,
		`\\server\share\x`:  true,
		"/var/lib":          true,
		"relative":          false,
		`C:relative`:        false,
		"":                  false,
	}
	for in, want := range tests {
		if got := IsAbs(in); got != want {
			t.Errorf("IsAbs(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("id: c1\nname: [broken\n"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load of malformed yaml: got %v, want ErrInvalid", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yml")); err == nil {
		t.Error("Load of missing file should fail")
	}
}
