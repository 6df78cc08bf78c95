// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process interface only used for testing.
type Process interface {
	// Timeout sets the duration to wait after interrupt before kill.
	Timeout(time.Duration) Process

	// StdoutLogger sets the logger for stdout.
	StdoutLogger(LogFunc) Process

	// StderrLogger sets the logger for stderr.
	StderrLogger(LogFunc) Process

	// Start process with context. Blocks until the process exits.
	Start(ctx context.Context) error

	// Stop process.
	Stop()
}

// LogFunc used to log stdout and stderr.
type LogFunc func(string)

type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	// Pipe readers must finish before cmd.Wait closes the pipes.
	loggers sync.WaitGroup

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess returns process.
func NewProcess(cmd *exec.Cmd) Process {
	return &process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,

		done: make(chan struct{}),
	}
}

func (p *process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

func (p *process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p *process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p *process) attachLogger(logFunc LogFunc, label string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	p.loggers.Add(1)
	go func() {
		defer p.loggers.Done()
		for scanner.Scan() {
			logFunc(label + ": " + scanner.Text())
		}
	}()
}

func (p *process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		pipe, err := p.cmd.StdoutPipe()
		if err != nil {
			return err
		}
		p.attachLogger(p.stdoutLogger, "stdout", pipe)
	}
	if p.stderrLogger != nil {
		pipe, err := p.cmd.StderrPipe()
		if err != nil {
			return err
		}
		p.attachLogger(p.stderrLogger, "stderr", pipe)
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.Stop()
		}
	}()

	p.loggers.Wait()
	err := p.cmd.Wait()
	close(p.done)

	// FFmpeg seems to return 255 on normal exit.
	if err != nil && err.Error() == "exit status 255" {
		return nil
	}

	return err
}

// Note, can't use CommandContext to stop the process as it would
// kill it before it has a chance to exit on its own.
func (p *process) Stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// ParseArgs slices arguments.
func ParseArgs(args string) []string {
	return strings.Split(strings.TrimSpace(args), " ")
}

// TranscodeOpts tunables for the transcode invocation.
type TranscodeOpts struct {
	LogLevel string

	// VideoCodec is the input codec, "h264" or "h265".
	VideoCodec string

	Preset         string
	CRF            string
	Scale          string
	Threads        string
	ShortKeyframes bool
}

// TranscodeArgs generates the argument list for the live transcode
// invocation. Video is read from stdin, audio from fd 3 and the
// fragmented MP4 stream is written to stdout. Fragments are
// keyframe-aligned with the init boxes up front.
func TranscodeArgs(opts TranscodeOpts) []string {
	inputFormat := "h264"
	if opts.VideoCodec == "h265" {
		inputFormat = "hevc"
	}

	gop := "30"
	fragDuration := "1000000"
	if opts.ShortKeyframes {
		gop = "15"
		fragDuration = "500000"
	}

	args := "-y -loglevel " + opts.LogLevel
	args += " -threads " + opts.Threads
	args += " -f " + inputFormat + " -i pipe:0"
	args += " -f aac -i pipe:3"

	args += " -c:v libx264 -preset " + opts.Preset + " -crf " + opts.CRF
	args += " -profile:v main -level 3.1 -pix_fmt yuv420p"
	args += " -g " + gop + " -keyint_min " + gop + " -sc_threshold 0"
	args += " -maxrate 2M -bufsize 4M"
	if opts.Scale != "" {
		args += " -vf scale=" + opts.Scale
	}

	args += " -c:a aac -ac 1 -ar 16000 -b:a 32k"

	args += " -f mp4"
	args += " -movflags frag_keyframe+empty_moov+default_base_moof+faststart"
	args += " -frag_duration " + fragDuration
	args += " -muxdelay 0 -muxpreload 0"
	args += " pipe:1"

	return ParseArgs(args)
}

// SnapshotArgs generates the argument list for the transient snapshot
// invocation. Input is a self-contained init+fragment stream on stdin,
// output is a single high-quality still.
func SnapshotArgs(outputPath string) []string {
	args := "-y -loglevel error -i pipe:0 -frames:v 1 -q:v 2 " + outputPath
	return ParseArgs(args)
}
