// SPDX-License-Identifier: GPL-2.0-or-later

package stream

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"camproxy/pkg/ffmpeg"
	"camproxy/pkg/fmp4"
	"camproxy/pkg/log"
)

const encoderDrainTimeout = 3 * time.Second

// encoder is one encoder session. It is replaced, never mutated,
// on restart.
type encoder struct {
	logf logFunc

	ctx     context.Context
	cancel  func()
	process ffmpeg.Process
	parser  *fmp4.Parser

	videoMu sync.Mutex
	videoIn io.WriteCloser

	audioMu sync.Mutex
	audioIn *os.File
	audioR  *os.File

	stdoutR *os.File
	stdoutW *os.File

	// closed when the process and output pump have exited.
	exited chan struct{}
}

// newEncoder builds the encoder invocation. Video is piped to stdin,
// audio to fd 3 and the fragmented MP4 output is read from stdout.
func newEncoder(
	bin string,
	opts ffmpeg.TranscodeOpts,
	newProcess ffmpeg.NewProcessFunc,
	parserHandler fmp4.Handler,
	logf logFunc,
) (*encoder, error) {
	cmd := exec.Command(bin, ffmpeg.TranscodeArgs(opts)...)

	videoIn, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	audioR, audioW, err := os.Pipe()
	if err != nil {
		videoIn.Close()
		return nil, err
	}
	cmd.ExtraFiles = []*os.File{audioR} // fd 3.

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		videoIn.Close()
		audioR.Close()
		audioW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW

	ctx, cancel := context.WithCancel(context.Background())
	e := &encoder{
		logf:    logf,
		ctx:     ctx,
		cancel:  cancel,
		parser:  fmp4.NewParser(parserHandler),
		videoIn: videoIn,
		audioIn: audioW,
		audioR:  audioR,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		exited:  make(chan struct{}),
	}

	e.process = newProcess(cmd).
		Timeout(encoderDrainTimeout).
		StderrLogger(func(msg string) {
			e.logf(log.FFmpegLevel(opts.LogLevel), "encoder: %v", msg)
		})

	logf(log.LevelInfo, "starting encoder: %v", cmd)
	return e, nil
}

// run blocks until the process exits. The output pump runs until the
// write side of the output pipe is closed.
func (e *encoder) run(ctx context.Context) error {
	defer e.cancel()

	go func() {
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_, err := io.Copy(e.parser, e.stdoutR)
		if err != nil {
			// A parse error is an invariant violation from
			// the encoder and ends the session.
			e.logf(log.LevelError, "encoder output: %v", err)
			e.cancel()
		}
	}()

	err := e.process.Start(e.ctx)

	e.closeInputs()
	e.stdoutW.Close()
	<-pumpDone
	e.stdoutR.Close()
	e.audioR.Close()
	close(e.exited)

	return err
}

// stop drains the encoder: inputs are closed and the process gets a
// bounded time to flush before being terminated.
func (e *encoder) stop() {
	e.closeInputs()
	e.cancel()
	<-e.exited
}

func (e *encoder) closeInputs() {
	e.videoMu.Lock()
	e.videoIn.Close()
	e.videoMu.Unlock()

	e.audioMu.Lock()
	e.audioIn.Close()
	e.audioMu.Unlock()
}

// writeVideo writes one video frame to the encoder.
// Write order equals call order.
func (e *encoder) writeVideo(data []byte) error {
	e.videoMu.Lock()
	defer e.videoMu.Unlock()
	_, err := e.videoIn.Write(data)
	return err
}

// writeAudio writes one audio frame to the encoder.
func (e *encoder) writeAudio(data []byte) error {
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	_, err := e.audioIn.Write(data)
	return err
}
