package airzone

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Family describes one Airzone device family: the modes its zones accept and
// the default setpoint range used until the device adverts its own. The
// vocabulary is configuration, not code, because it varies per device model.
type Family struct {
	Name        string   `yaml:"name"`
	Models      []string `yaml:"models"`
	Modes       []string `yaml:"modes"`
	MinSetpoint float64  `yaml:"min_setpoint"`
	MaxSetpoint float64  `yaml:"max_setpoint"`
	Step        float64  `yaml:"step"`

	parsedModes []Mode
}

// ParsedModes returns the family's mode set as typed values.
func (f *Family) ParsedModes() []Mode {
	return f.parsedModes
}

// DefaultBounds returns the family's setpoint range, or nil when the family
// does not define one.
func (f *Family) DefaultBounds() *Bounds {
	if f.MinSetpoint == 0 && f.MaxSetpoint == 0 {
		return nil
	}
	return &Bounds{Min: f.MinSetpoint, Max: f.MaxSetpoint, Step: f.Step}
}

func (f *Family) validate() error {
	if f.Name == "" {
		return fmt.Errorf("family without name")
	}
	if len(f.Modes) == 0 {
		return fmt.Errorf("family %q: no modes", f.Name)
	}
	f.parsedModes = f.parsedModes[:0]
	for _, s := range f.Modes {
		mode, err := ParseMode(s)
		if err != nil {
			return fmt.Errorf("family %q: %w", f.Name, err)
		}
		f.parsedModes = append(f.parsedModes, mode)
	}
	if f.MinSetpoint > f.MaxSetpoint {
		return fmt.Errorf("family %q: min_setpoint > max_setpoint", f.Name)
	}
	return nil
}

// FamilyDB holds device family definitions keyed by model string.
type FamilyDB struct {
	byModel map[string]*Family
	def     *Family
}

// defaultFamily covers models with no definition file: full mode set, bounds
// left unknown so they are only enforced once the device adverts them.
func defaultFamily() *Family {
	f := &Family{Name: "default", Modes: []string{"off", "heat", "cool", "fan", "dry", "auto"}}
	_ = f.validate()
	return f
}

// NewFamilyDB creates a database containing only the built-in default family.
func NewFamilyDB() *FamilyDB {
	return &FamilyDB{byModel: make(map[string]*Family), def: defaultFamily()}
}

// Add validates a family and registers it for each of its models. A family
// named "default" replaces the built-in fallback.
func (db *FamilyDB) Add(f *Family) error {
	if err := f.validate(); err != nil {
		return err
	}
	if f.Name == "default" {
		db.def = f
	}
	for _, model := range f.Models {
		db.byModel[model] = f
	}
	return nil
}

// Lookup returns the family for a device model, falling back to the default.
func (db *FamilyDB) Lookup(model string) *Family {
	if f, ok := db.byModel[model]; ok {
		return f
	}
	return db.def
}

// Len returns the number of model mappings.
func (db *FamilyDB) Len() int {
	return len(db.byModel)
}

type familyFile struct {
	Families []*Family `yaml:"families"`
}

// LoadFamilyDir reads all *.yaml files from a directory into a FamilyDB.
// Returns a database with only the built-in default (not an error) if the
// directory doesn't exist or is empty.
func LoadFamilyDir(dir string, logger *slog.Logger) (*FamilyDB, error) {
	db := NewFamilyDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return db, fmt.Errorf("glob families dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device family files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var ff familyFile
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, f := range ff.Families {
			if err := db.Add(f); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
		}
		logger.Info("loaded family file", "path", filepath.Base(path), "families", len(ff.Families))
	}

	logger.Info("family database loaded", "files", len(matches), "models", db.Len())
	return db, nil
}
