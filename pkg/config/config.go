// SPDX-License-Identifier: GPL-2.0-or-later

// Package config stores the mutable runtime configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Allowed configuration fields.
var allowedFields = []string{
	"username",
	"password",
	"country",
	"language",
	"TRANSCODING_PRESET",
	"TRANSCODING_CRF",
	"VIDEO_SCALE",
	"FFMPEG_THREADS",
	"FFMPEG_SHORT_KEYFRAMES",
	"logLevel",
}

// Fields that require the encoder to be re-created when changed.
var transcodingFields = map[string]struct{}{
	"TRANSCODING_PRESET":     {},
	"TRANSCODING_CRF":        {},
	"VIDEO_SCALE":            {},
	"FFMPEG_THREADS":         {},
	"FFMPEG_SHORT_KEYFRAMES": {},
}

// Fields that require the driver to be re-connected when changed.
var driverFields = map[string]struct{}{
	"username": {},
	"password": {},
	"country":  {},
	"language": {},
}

// AllowedFields returns the set of accepted configuration fields.
func AllowedFields() []string {
	fields := make([]string, len(allowedFields))
	copy(fields, allowedFields)
	return fields
}

// ErrUnknownField config field is not in the whitelist.
var ErrUnknownField = errors.New("unknown config field")

// Store stores config and path.
type Store struct {
	config map[string]string

	path string
	mu   sync.Mutex
}

// NewStore loads the config file, generating defaults if it is missing.
func NewStore(path string) (*Store, error) {
	store := Store{
		config: map[string]string{},
		path:   path,
	}

	file, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		store.config = defaultConfig()
		if err := store.save(); err != nil {
			return nil, fmt.Errorf("generate config: %w", err)
		}
		return &store, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(file, &store.config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for field, value := range defaultConfig() {
		if _, exist := store.config[field]; !exist {
			store.config[field] = value
		}
	}

	return &store, nil
}

func defaultConfig() map[string]string {
	return map[string]string{
		"username":               "",
		"password":               "",
		"country":                "US",
		"language":               "en",
		"TRANSCODING_PRESET":     "veryfast",
		"TRANSCODING_CRF":        "23",
		"VIDEO_SCALE":            "",
		"FFMPEG_THREADS":         "1",
		"FFMPEG_SHORT_KEYFRAMES": "false",
		"logLevel":               "info",
	}
}

// Get returns a copy of the config.
func (s *Store) Get() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	config := make(map[string]string, len(s.config))
	for field, value := range s.config {
		config[field] = value
	}
	return config
}

// Merge validates and applies new values, saves the file and returns
// the list of fields that changed. Unknown fields are rejected before
// anything is applied.
func (s *Store) Merge(newConfig map[string]string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for field := range newConfig {
		if !fieldAllowed(field) {
			return nil, fmt.Errorf("%w: %v", ErrUnknownField, field)
		}
	}

	var updated []string
	for field, value := range newConfig {
		if s.config[field] != value {
			s.config[field] = value
			updated = append(updated, field)
		}
	}
	sort.Strings(updated)

	if len(updated) == 0 {
		return []string{}, nil
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) save() error {
	rawConfig, _ := json.MarshalIndent(s.config, "", "    ")
	return os.WriteFile(s.path, rawConfig, 0o600)
}

func fieldAllowed(field string) bool {
	for _, allowed := range allowedFields {
		if field == allowed {
			return true
		}
	}
	return false
}

// AffectsTranscoding returns true if any field requires
// the encoder to be re-created.
func AffectsTranscoding(fields []string) bool {
	for _, field := range fields {
		if _, exist := transcodingFields[field]; exist {
			return true
		}
	}
	return false
}

// AffectsDriver returns true if any field requires
// the driver to be re-connected.
func AffectsDriver(fields []string) bool {
	for _, field := range fields {
		if _, exist := driverFields[field]; exist {
			return true
		}
	}
	return false
}

func (s *Store) get(field string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[field]
}

// Username cloud account username.
func (s *Store) Username() string { return s.get("username") }

// Password cloud account password.
func (s *Store) Password() string { return s.get("password") }

// Country cloud account country.
func (s *Store) Country() string { return s.get("country") }

// Language cloud account language.
func (s *Store) Language() string { return s.get("language") }

// Preset encoder speed preset.
func (s *Store) Preset() string { return s.get("TRANSCODING_PRESET") }

// CRF encoder constant rate factor.
func (s *Store) CRF() string { return s.get("TRANSCODING_CRF") }

// Scale optional output scale filter.
func (s *Store) Scale() string { return s.get("VIDEO_SCALE") }

// Threads encoder worker thread count.
func (s *Store) Threads() string { return s.get("FFMPEG_THREADS") }

// ShortKeyframes low-latency keyframe mode.
func (s *Store) ShortKeyframes() bool { return s.get("FFMPEG_SHORT_KEYFRAMES") == "true" }

// LogLevel log verbosity.
func (s *Store) LogLevel() string { return s.get("logLevel") }
