// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*DB, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	wg := &sync.WaitGroup{}
	logDB := NewDB(filepath.Join(t.TempDir(), "logs.db"), wg)

	err := logDB.Init(ctx)
	require.NoError(t, err)

	cancelFunc := func() {
		cancel()
		wg.Wait()
	}
	return logDB, cancelFunc
}

func TestDB(t *testing.T) {
	t.Run("saveAndQuery", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		entries := []Entry{
			{Level: LevelError, Time: 1000, Src: "app", Msg: "a"},
			{Level: LevelWarning, Time: 2000, Src: "camera", CameraID: "CAM1", Msg: "b"},
			{Level: LevelInfo, Time: 3000, Src: "camera", CameraID: "CAM2", Msg: "c"},
		}
		for _, entry := range entries {
			require.NoError(t, logDB.saveEntry(entry))
		}

		t.Run("all", func(t *testing.T) {
			got, err := logDB.Query(Query{})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[2], entries[1], entries[0]}, got)
		})
		t.Run("levels", func(t *testing.T) {
			got, err := logDB.Query(Query{Levels: []Level{LevelWarning}})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[1]}, got)
		})
		t.Run("sources", func(t *testing.T) {
			got, err := logDB.Query(Query{Sources: []string{"app"}})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[0]}, got)
		})
		t.Run("cameras", func(t *testing.T) {
			got, err := logDB.Query(Query{Cameras: []string{"CAM2"}})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[2]}, got)
		})
		t.Run("time", func(t *testing.T) {
			got, err := logDB.Query(Query{Time: 3000})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[1], entries[0]}, got)
		})
		t.Run("limit", func(t *testing.T) {
			got, err := logDB.Query(Query{Limit: 1})
			require.NoError(t, err)
			require.Equal(t, []Entry{entries[2]}, got)
		})
	})
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()
		logDB.maxKeys = 2

		require.NoError(t, logDB.saveEntry(Entry{Time: 1, Msg: "a"}))
		require.NoError(t, logDB.saveEntry(Entry{Time: 2, Msg: "b"}))
		require.NoError(t, logDB.saveEntry(Entry{Time: 3, Msg: "c"}))

		got, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "c", got[0].Msg)
		require.Equal(t, "b", got[1].Msg)
	})
	t.Run("openErr", func(t *testing.T) {
		logDB := NewDB("/dev/null/nil", &sync.WaitGroup{})
		err := logDB.Init(context.Background())
		require.Error(t, err)
	})
}
