package airzone

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadFamilyDir(t *testing.T) {
	dir := t.TempDir()
	content := `families:
  - name: flexa
    models: ["Flexa 3.0", "Flexa 4.0"]
    modes: ["off", "heat", "cool", "auto"]
    min_setpoint: 15.0
    max_setpoint: 30.0
    step: 0.5
  - name: aidoo
    models: ["Aidoo Pro"]
    modes: ["off", "heat", "cool", "fan", "dry"]
    min_setpoint: 16.0
    max_setpoint: 32.0
    step: 1.0
`
	if err := os.WriteFile(filepath.Join(dir, "airzone.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := LoadFamilyDir(dir, discardLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if db.Len() != 3 {
		t.Errorf("model count = %d, want 3", db.Len())
	}

	f := db.Lookup("Flexa 3.0")
	if f.Name != "flexa" {
		t.Errorf("family = %q, want flexa", f.Name)
	}
	if len(f.ParsedModes()) != 4 || f.ParsedModes()[3] != ModeAuto {
		t.Errorf("modes = %v", f.ParsedModes())
	}
	b := f.DefaultBounds()
	if b == nil || b.Min != 15 || b.Max != 30 || b.Step != 0.5 {
		t.Errorf("bounds = %+v", b)
	}
}

func TestAddParsesModes(t *testing.T) {
	db := NewFamilyDB()
	err := db.Add(&Family{
		Name:   "aidoo",
		Models: []string{"Aidoo Pro"},
		Modes:  []string{"off", "heat", "cool"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := db.Lookup("Aidoo Pro").ParsedModes()
	want := []Mode{ModeOff, ModeHeat, ModeCool}
	if len(got) != len(want) {
		t.Fatalf("parsed modes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parsed modes[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if err := db.Add(&Family{Name: "broken", Models: []string{"X"}, Modes: []string{"warp"}}); err == nil {
		t.Error("expected error for unknown mode")
	}
	if db.Lookup("X").Name != "default" {
		t.Error("rejected family should not be registered")
	}
}

func TestLookupFallsBackToDefault(t *testing.T) {
	db := NewFamilyDB()
	f := db.Lookup("never-seen")
	if f == nil || f.Name != "default" {
		t.Fatalf("fallback family = %+v", f)
	}
	if len(f.ParsedModes()) != len(AllModes()) {
		t.Errorf("default modes = %v", f.ParsedModes())
	}
	if f.DefaultBounds() != nil {
		t.Error("default family should not define bounds")
	}
}

func TestLoadFamilyDirMissing(t *testing.T) {
	db, err := LoadFamilyDir(filepath.Join(t.TempDir(), "nope"), discardLogger())
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if db.Len() != 0 {
		t.Errorf("model count = %d, want 0", db.Len())
	}
}

func TestLoadFamilyDirRejectsBadModes(t *testing.T) {
	dir := t.TempDir()
	content := `families:
  - name: broken
    models: ["X"]
    modes: ["heat", "warp"]
`
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFamilyDir(dir, discardLogger()); err == nil {
		t.Fatal("expected error for unknown mode in family file")
	}
}
