// SPDX-License-Identifier: GPL-2.0-or-later

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"camproxy/pkg/ffmpeg/ffmock"
	"camproxy/pkg/log"

	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) (*Writer, *[]interface{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := log.NewMockLogger()
	logger.Start(ctx)

	tempDir := t.TempDir()

	var mu sync.Mutex
	var events []interface{}
	onSaved := func(event interface{}) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	writer, err := NewWriter(
		logger,
		"ffmpeg",
		tempDir,
		filepath.Join(tempDir, "picture-hashes.json"),
		ffmock.NewProcessNil,
		onSaved,
	)
	require.NoError(t, err)
	return writer, &events
}

func TestWriter(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		writer, events := newTestWriter(t)

		writer.Write("CAM1", []byte("seed"))

		records := writer.Records()
		require.Contains(t, records, "CAM1")
		require.NotEmpty(t, records["CAM1"].Hash)
		require.NotEmpty(t, records["CAM1"].SnapshotDatetime)

		require.Len(t, *events, 1)
		event := (*events)[0].(map[string]interface{})
		require.Equal(t, "snapshotSaved", event["event"])
		require.Equal(t, "CAM1", event["serialNumber"])
	})
	t.Run("encoderErr", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		logger := log.NewMockLogger()
		logger.Start(ctx)

		tempDir := t.TempDir()

		var events []interface{}
		writer, err := NewWriter(
			logger,
			"ffmpeg",
			tempDir,
			filepath.Join(tempDir, "picture-hashes.json"),
			ffmock.NewProcessErr,
			func(event interface{}) { events = append(events, event) },
		)
		require.NoError(t, err)

		writer.Write("CAM1", []byte("seed"))

		// The sidecar is not written on failure.
		require.Empty(t, writer.Records())
		require.Empty(t, events)
	})
	t.Run("sidecarPersisted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		logger := log.NewMockLogger()
		logger.Start(ctx)

		tempDir := t.TempDir()
		sidecarPath := filepath.Join(tempDir, "picture-hashes.json")

		writer, err := NewWriter(
			logger, "ffmpeg", tempDir, sidecarPath, ffmock.NewProcessNil, nil)
		require.NoError(t, err)

		writer.Write("CAM1", []byte("seed"))

		writer2, err := NewWriter(
			logger, "ffmpeg", tempDir, sidecarPath, ffmock.NewProcessNil, nil)
		require.NoError(t, err)
		require.Equal(t, writer.Records(), writer2.Records())
	})
	t.Run("corruptSidecar", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		logger := log.NewMockLogger()
		logger.Start(ctx)

		tempDir := t.TempDir()
		sidecarPath := filepath.Join(tempDir, "picture-hashes.json")
		require.NoError(t, os.WriteFile(sidecarPath, []byte("{"), 0o600))

		_, err := NewWriter(
			logger, "ffmpeg", tempDir, sidecarPath, ffmock.NewProcessNil, nil)
		require.Error(t, err)
	})
}
