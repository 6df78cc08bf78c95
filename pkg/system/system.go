// SPDX-License-Identifier: GPL-2.0-or-later

// Package system samples host resource usage and publishes it as
// periodic API events.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camproxy/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status host resource usage.
type Status struct {
	CPUUsage int `json:"cpuUsage"`
	RAMUsage int `json:"ramUsage"`
}

type (
	cpuFunc   func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc   func() (*mem.VirtualMemoryStat, error)
	eventFunc func(event interface{})
)

// Monitor samples CPU and RAM usage on an interval.
type Monitor struct {
	cpu     cpuFunc
	ram     ramFunc
	publish eventFunc

	duration time.Duration

	logger log.ILogger
	mu     sync.Mutex
	status Status
}

// NewMonitor returns a monitor that publishes status events.
func NewMonitor(logger log.ILogger, publish eventFunc) *Monitor {
	return &Monitor{
		cpu:     cpu.PercentWithContext,
		ram:     mem.VirtualMemory,
		publish: publish,

		duration: 10 * time.Second,

		logger: logger,
	}
}

func (m *Monitor) update(ctx context.Context) error {
	cpuUsage, err := m.cpu(ctx, m.duration, false)
	if err != nil {
		return fmt.Errorf("get cpu usage: %w", err)
	}
	ramUsage, err := m.ram()
	if err != nil {
		return fmt.Errorf("get ram usage: %w", err)
	}

	m.mu.Lock()
	m.status = Status{
		CPUUsage: int(cpuUsage[0]),
		RAMUsage: int(ramUsage.UsedPercent),
	}
	status := m.status
	m.mu.Unlock()

	if m.publish != nil {
		m.publish(map[string]interface{}{
			"event":  "systemStatus",
			"status": status,
		})
	}
	return nil
}

// StatusLoop samples and publishes status until ctx is canceled.
// The CPU probe blocks for the sample duration.
func (m *Monitor) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := m.update(ctx); err != nil {
			m.logger.Log(log.Entry{
				Level: log.LevelError,
				Src:   "app",
				Msg:   fmt.Sprintf("could not update system status: %v", err),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.duration):
			}
		}
	}
}

// Status returns the last sampled status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
