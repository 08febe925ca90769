package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// #region types
const (
	PersonaFile      = "persona.yaml"
	ConstitutionFile = "constitution.yaml"

	defaultTone = "calm, precise"
)

// Persona is the assistant's voice as stored in persona.yaml.
type Persona struct {
	Tone         string         `yaml:"tone"`
	FormatPrefs  map[string]any `yaml:"format_prefs,omitempty"`
	BrandLexicon []string       `yaml:"brand_lexicon,omitempty"`
}

// Constitution is the ordered list of principles in constitution.yaml.
type Constitution struct {
	Principles []string `yaml:"principles"`
}

// Provider supplies the policy texts for each turn.
type Provider interface {
	Persona() Persona
	Constitution() Constitution
}

// DefaultPersona is used when persona.yaml is absent or unreadable.
func DefaultPersona() Persona {
	return Persona{Tone: defaultTone}
}

// DefaultConstitution is used when constitution.yaml is absent or unreadable.
func DefaultConstitution() Constitution {
	return Constitution{Principles: []string{
		"Be helpful, honest, transparent.",
		"Respect safety.",
	}}
}

// #endregion types

// #region file-provider
// FileProvider reads the policy files from Dir on every call so edits and
// applied promotions take effect on the next turn.
type FileProvider struct {
	Dir    string
	logger *zap.Logger
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string, logger *zap.Logger) *FileProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileProvider{Dir: dir, logger: logger}
}

// Persona returns persona.yaml, or the default persona.
func (p *FileProvider) Persona() Persona {
	var out Persona
	if err := readYAML(filepath.Join(p.Dir, PersonaFile), &out); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("persona unreadable, using default", zap.Error(err))
		}
		return DefaultPersona()
	}
	if out.Tone == "" {
		out.Tone = defaultTone
	}
	return out
}

// Constitution returns constitution.yaml, or the default principles.
func (p *FileProvider) Constitution() Constitution {
	var out Constitution
	if err := readYAML(filepath.Join(p.Dir, ConstitutionFile), &out); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("constitution unreadable, using default", zap.Error(err))
		}
		return DefaultConstitution()
	}
	if len(out.Principles) == 0 {
		return DefaultConstitution()
	}
	return out
}

// RawPersona returns persona.yaml as a generic map, keeping unknown keys.
// A missing file yields an empty map.
func (p *FileProvider) RawPersona() (map[string]any, error) {
	out := map[string]any{}
	err := readYAML(filepath.Join(p.Dir, PersonaFile), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// #endregion file-provider

// #region static-provider
// StaticProvider serves fixed policy texts. A zero T serves the default
// therapy modes.
type StaticProvider struct {
	P Persona
	C Constitution
	T TherapyConfig
}

func (s StaticProvider) Persona() Persona           { return s.P }
func (s StaticProvider) Constitution() Constitution { return s.C }

// #endregion static-provider
