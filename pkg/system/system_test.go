// SPDX-License-Identifier: GPL-2.0-or-later

package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"camproxy/pkg/log"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	t.Run("update", func(t *testing.T) {
		var events []interface{}
		m := &Monitor{
			cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
				return []float64{11}, nil
			},
			ram: func() (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{UsedPercent: 22}, nil
			},
			publish: func(event interface{}) { events = append(events, event) },
		}

		require.NoError(t, m.update(context.Background()))
		require.Equal(t, Status{CPUUsage: 11, RAMUsage: 22}, m.Status())

		require.Len(t, events, 1)
		event := events[0].(map[string]interface{})
		require.Equal(t, "systemStatus", event["event"])
		require.Equal(t, Status{CPUUsage: 11, RAMUsage: 22}, event["status"])
	})
	t.Run("cpuErr", func(t *testing.T) {
		m := &Monitor{
			cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
				return nil, errors.New("mock")
			},
		}
		require.Error(t, m.update(context.Background()))
	})
	t.Run("ramErr", func(t *testing.T) {
		m := &Monitor{
			cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
				return []float64{11}, nil
			},
			ram: func() (*mem.VirtualMemoryStat, error) {
				return nil, errors.New("mock")
			},
		}
		require.Error(t, m.update(context.Background()))
	})
	t.Run("loopStops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		logger := log.NewMockLogger()
		logger.Start(ctx)

		m := NewMonitor(logger, nil)

		done := make(chan struct{})
		go func() {
			m.StatusLoop(ctx)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
}
