// Package preferences looks up the active preference set of a user.
// Unknown users get pipeline.DefaultPreferences.
package preferences

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Static returns the defaults for every user.
type Static struct {
	prefs pipeline.Preferences
}

// NewStatic creates a provider answering prefs for everyone.
func NewStatic(prefs pipeline.Preferences) *Static {
	return &Static{prefs: prefs}
}

// Preferences implements orchestrator.PreferenceProvider.
func (s *Static) Preferences(context.Context, string) (pipeline.Preferences, error) {
	return s.prefs, nil
}

// File serves per-user preferences from a YAML document:
//
//	default:
//	  cooking_skill: 3
//	users:
//	  alice:
//	    dietary_restrictions: [vegan]
type File struct {
	mu       sync.RWMutex
	path     string
	fallback pipeline.Preferences
	users    map[string]pipeline.Preferences
}

type fileDoc struct {
	Default *pipeline.Preferences           `yaml:"default"`
	Users   map[string]pipeline.Preferences `yaml:"users"`
}

// LoadFile reads the document at path.
func LoadFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file. On error the previous contents stay in effect.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse preferences %s: %w", f.path, err)
	}
	fallback := pipeline.DefaultPreferences()
	if doc.Default != nil {
		fallback = *doc.Default
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = fallback
	f.users = doc.Users
	return nil
}

// Preferences implements orchestrator.PreferenceProvider.
func (f *File) Preferences(_ context.Context, userID string) (pipeline.Preferences, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.users[userID]; ok {
		return p, nil
	}
	return f.fallback, nil
}
