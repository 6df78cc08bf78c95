// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmock provides mock processes for testing.
package ffmock

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"camproxy/pkg/ffmpeg"
)

// MockProcessConfig process mocker config.
type MockProcessConfig struct {
	ReturnErr bool
	Sleep     time.Duration
	OnStart   func(cmd *exec.Cmd)
	OnStop    func()
}

// NewProcessMocker creates a process mocker from config.
func NewProcessMocker(c MockProcessConfig) ffmpeg.NewProcessFunc {
	return func(cmd *exec.Cmd) ffmpeg.Process {
		return &mockProcess{c: c, cmd: cmd}
	}
}

type mockProcess struct {
	c   MockProcessConfig
	cmd *exec.Cmd
}

func (m *mockProcess) Start(ctx context.Context) error {
	if m.c.OnStart != nil {
		m.c.OnStart(m.cmd)
	}
	if m.c.Sleep != 0 {
		select {
		case <-time.After(m.c.Sleep):
		case <-ctx.Done():
		}
	}
	if m.c.ReturnErr {
		return errors.New("mock")
	}
	return nil
}

func (m *mockProcess) Stop() {
	if m.c.OnStop != nil {
		m.c.OnStop()
	}
}

func (m *mockProcess) Timeout(time.Duration) ffmpeg.Process       { return m }
func (m *mockProcess) StdoutLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }
func (m *mockProcess) StderrLogger(ffmpeg.LogFunc) ffmpeg.Process { return m }

// NewProcess sleeps for 15ms before returning.
var NewProcess = NewProcessMocker(MockProcessConfig{
	Sleep: 15 * time.Millisecond,
})

// NewProcessNil returns nil immediately.
var NewProcessNil = NewProcessMocker(MockProcessConfig{})

// NewProcessErr returns error.
var NewProcessErr = NewProcessMocker(MockProcessConfig{
	ReturnErr: true,
})
