// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores the startup environment configuration.
type ConfigEnv struct {
	Port      int    `yaml:"port"`
	FFmpegBin string `yaml:"ffmpegBin"`

	StorageDir string `yaml:"storageDir"`
	WebDir     string `yaml:"webDir"`

	HomeDir   string `yaml:"homeDir"`
	ConfigDir string
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv returns a new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 3420
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "data")
	}
	if env.WebDir == "" {
		env.WebDir = filepath.Join(env.HomeDir, "web")
	}

	if !dirExist(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin %q: %w", env.FFmpegBin, os.ErrNotExist)
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return nil, fmt.Errorf("ffmpegBin %q: %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir %q: %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir %q: %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// SnapshotsDir returns the snapshots directory.
func (env ConfigEnv) SnapshotsDir() string {
	return filepath.Join(env.StorageDir, "snapshots")
}

// DriverDir returns the cloud driver persistent directory.
func (env ConfigEnv) DriverDir() string {
	return filepath.Join(env.StorageDir, "driver")
}

// ConfigPath returns the runtime configuration file path.
func (env ConfigEnv) ConfigPath() string {
	return filepath.Join(env.StorageDir, "config.json")
}

// PictureHashesPath returns the snapshot sidecar file path.
func (env ConfigEnv) PictureHashesPath() string {
	return filepath.Join(env.StorageDir, "picture-hashes.json")
}

// LogDBPath returns the log database file path.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// PrepareEnvironment creates the data directories.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.SnapshotsDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create snapshots directory: %v: %w", env.SnapshotsDir(), err)
	}

	err = os.MkdirAll(env.DriverDir(), 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create driver directory: %v: %w", env.DriverDir(), err)
	}

	return nil
}

func dirExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
