// SPDX-License-Identifier: GPL-2.0-or-later

// Package snapshot renders a still image from the latest candidate
// keyframe fragment when an encoder session ends.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"camproxy/pkg/ffmpeg"
	"camproxy/pkg/log"
)

const writeTimeout = 15 * time.Second

// EventFunc publishes a broker event.
type EventFunc func(event interface{})

// Writer renders and persists snapshots.
type Writer struct {
	logger log.ILogger

	ffmpegBin    string
	snapshotsDir string
	newProcess   ffmpeg.NewProcessFunc

	sidecar *sidecar
	onSaved EventFunc

	// One snapshot invocation at a time.
	mu sync.Mutex
}

// NewWriter returns a snapshot writer.
func NewWriter(
	logger log.ILogger,
	ffmpegBin string,
	snapshotsDir string,
	sidecarPath string,
	newProcess ffmpeg.NewProcessFunc,
	onSaved EventFunc,
) (*Writer, error) {
	sidecar, err := newSidecar(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("load picture hashes: %w", err)
	}

	return &Writer{
		logger:       logger,
		ffmpegBin:    ffmpegBin,
		snapshotsDir: snapshotsDir,
		newProcess:   newProcess,
		sidecar:      sidecar,
		onSaved:      onSaved,
	}, nil
}

func (w *Writer) logf(level log.Level, serial, format string, a ...interface{}) {
	w.logger.Log(log.Entry{
		Level:    level,
		Src:      "snapshot",
		CameraID: serial,
		Msg:      fmt.Sprintf(format, a...),
	})
}

// Path returns the snapshot path for a camera.
func (w *Writer) Path(serial string) string {
	return filepath.Join(w.snapshotsDir, serial+".jpg")
}

// Write renders a still from the seed with a transient encoder
// invocation. The seed is a self-contained init+fragment stream.
// Failures are logged, never retried.
func (w *Writer) Write(serial string, seed []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(serial, seed); err != nil {
		w.logf(log.LevelError, serial, "write snapshot: %v", err)
		return
	}

	w.logf(log.LevelInfo, serial, "snapshot saved")
	if w.onSaved != nil {
		w.onSaved(map[string]interface{}{
			"event":        "snapshotSaved",
			"serialNumber": serial,
		})
	}
}

func (w *Writer) write(serial string, seed []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	outPath := w.Path(serial)

	cmd := exec.Command(w.ffmpegBin, ffmpeg.SnapshotArgs(outPath)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	process := w.newProcess(cmd).
		Timeout(3 * time.Second).
		StderrLogger(func(msg string) {
			w.logf(log.LevelDebug, serial, "%v", msg)
		})

	go func() {
		stdin.Write(seed) //nolint:errcheck
		stdin.Close()
	}()

	if err := process.Start(ctx); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}

	if err := w.sidecar.update(serial, seed); err != nil {
		return fmt.Errorf("update sidecar: %w", err)
	}
	return nil
}

// Record is the per-camera sidecar entry used for snapshot currency
// tracking.
type Record struct {
	Hash             string `json:"hash"`
	Datetime         string `json:"datetime"`
	SnapshotDatetime string `json:"snapshotDatetime"`
}

// Records returns a copy of the sidecar records.
func (w *Writer) Records() map[string]Record {
	return w.sidecar.records()
}

// sidecar is the durable per-camera snapshot record,
// data/picture-hashes.json.
type sidecar struct {
	path string

	mu      sync.Mutex
	entries map[string]Record
}

func newSidecar(path string) (*sidecar, error) {
	s := &sidecar{
		path:    path,
		entries: map[string]Record{},
	}

	file, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(file, &s.entries); err != nil {
		return nil, fmt.Errorf("unmarshal %v: %w", path, err)
	}
	return s, nil
}

// update is only called after a successful snapshot write.
func (s *sidecar) update(serial string, seed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := sha256.Sum256(seed)
	now := time.Now().UTC().Format(time.RFC3339)

	entry := s.entries[serial]
	entry.Hash = hex.EncodeToString(hash[:])
	entry.Datetime = now
	entry.SnapshotDatetime = now
	s.entries[serial] = entry

	raw, _ := json.MarshalIndent(s.entries, "", "    ")
	return os.WriteFile(s.path, raw, 0o600)
}

func (s *sidecar) records() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]Record, len(s.entries))
	for serial, entry := range s.entries {
		entries[serial] = entry
	}
	return entries
}
