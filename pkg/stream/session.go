// SPDX-License-Identifier: GPL-2.0-or-later

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camproxy/pkg/config"
	"camproxy/pkg/driver"
	"camproxy/pkg/ffmpeg"
	"camproxy/pkg/fmp4"
	"camproxy/pkg/log"
)

// Grace delays between the last subscriber leaving and the camera
// being released.
const (
	DrainTimeout   = 5 * time.Second
	ReleaseTimeout = 2 * time.Second
)

type logFunc func(log.Level, string, ...interface{})

// DeviceBusyError another camera is streaming.
type DeviceBusyError struct {
	CurrentDevice string
}

func (e DeviceBusyError) Error() string {
	return fmt.Sprintf("device busy: %v is streaming", e.CurrentDevice)
}

// SnapshotFunc is called with the latest keyframe seed when an
// encoder session ends.
type SnapshotFunc func(serial string, seed []byte)

// Session serializes mutual exclusion, start, stop and restart of the
// single active camera around subscriber activity.
type Session struct {
	logger log.ILogger
	logf   logFunc

	ffmpegBin  string
	cfg        *config.Store
	drv        driver.Driver
	hub        *Hub
	newProcess ffmpeg.NewProcessFunc
	onSnapshot SnapshotFunc

	ctx context.Context
	wg  *sync.WaitGroup

	// Overridable in tests.
	drainTimeout   time.Duration
	releaseTimeout time.Duration

	// mu serializes every lifecycle transition. Media delivery and
	// frame writes do not take it.
	mu            sync.Mutex
	currentDevice string
	enc           *encoder
	videoMeta     *driver.VideoMetadata
	audioMeta     *driver.AudioMetadata
	drainTimer    *time.Timer
	releaseTimer  *time.Timer

	// Latest candidate keyframe seed, written by the encoder pump.
	kfMu           sync.Mutex
	latestKeyframe []byte
}

// NewSession returns the session controller.
func NewSession(
	logger log.ILogger,
	ffmpegBin string,
	cfg *config.Store,
	drv driver.Driver,
	newProcess ffmpeg.NewProcessFunc,
	onSnapshot SnapshotFunc,
) *Session {
	logf := func(level log.Level, format string, a ...interface{}) {
		logger.Log(log.Entry{
			Level: level,
			Src:   "stream",
			Msg:   fmt.Sprintf(format, a...),
		})
	}
	s := &Session{
		logger:     logger,
		logf:       logf,
		ffmpegBin:  ffmpegBin,
		cfg:        cfg,
		drv:        drv,
		newProcess: newProcess,
		onSnapshot: onSnapshot,

		drainTimeout:   DrainTimeout,
		releaseTimeout: ReleaseTimeout,
	}
	s.hub = NewHub(logf)
	return s
}

// Start binds the session to the application context.
// Must be called before the first join.
func (s *Session) Start(ctx context.Context, wg *sync.WaitGroup) {
	s.ctx = ctx
	s.wg = wg

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.shutdown()
	}()
}

// Hub returns the fan-out hub.
func (s *Session) Hub() *Hub {
	return s.hub
}

// Join attaches a subscriber. The first join for an idle proxy claims
// the camera and requests the livestream. A join for a different
// camera while one is claimed returns DeviceBusyError.
func (s *Session) Join(sub *Subscriber) error {
	s.mu.Lock()

	if s.currentDevice != "" && s.currentDevice != sub.Serial {
		current := s.currentDevice
		s.mu.Unlock()
		return DeviceBusyError{CurrentDevice: current}
	}

	s.cancelTimersLocked()

	firstJoin := s.currentDevice == ""
	s.currentDevice = sub.Serial
	s.hub.Subscribe(sub)
	s.mu.Unlock()

	if firstJoin {
		s.logf(log.LevelInfo, "%v: starting livestream", sub.Serial)
		if err := s.drv.StartLivestream(s.ctx, sub.Serial); err != nil {
			s.logf(log.LevelError, "%v: start livestream: %v", sub.Serial, err)
		}
	}
	return nil
}

// Leave detaches a subscriber. When the last subscriber leaves, the
// encoder is stopped after the drain timeout and the camera released
// after the release timeout. Any join cancels both.
func (s *Session) Leave(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hub.Unsubscribe(sub)
	if s.hub.Count() > 0 || s.currentDevice == "" {
		return
	}

	s.cancelTimersLocked()
	s.drainTimer = time.AfterFunc(s.drainTimeout, s.onDrainTimer)
}

func (s *Session) onDrainTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The timer is nil if a join canceled it after it fired.
	if s.drainTimer == nil || s.hub.Count() > 0 || s.currentDevice == "" {
		return
	}

	s.logf(log.LevelInfo, "%v: drained, stopping livestream", s.currentDevice)
	s.stopEncoderLocked()

	serial := s.currentDevice
	go func() {
		if err := s.drv.StopLivestream(s.ctx, serial); err != nil {
			s.logf(log.LevelDebug, "%v: stop livestream: %v", serial, err)
		}
	}()

	s.releaseTimer = time.AfterFunc(s.releaseTimeout, s.onReleaseTimer)
}

func (s *Session) onReleaseTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.releaseTimer == nil || s.hub.Count() > 0 {
		return
	}

	s.logf(log.LevelInfo, "%v: released", s.currentDevice)
	s.currentDevice = ""
	s.videoMeta = nil
	s.audioMeta = nil
	s.setLatestKeyframe(nil)
}

func (s *Session) cancelTimersLocked() {
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
		s.releaseTimer = nil
	}
}

// onResolutionChange tears down the encoder and re-requests the
// livestream so the next session captures a fresh init segment.
// Called by the ingress after replacing the metadata.
func (s *Session) onResolutionChange() {
	s.mu.Lock()

	if s.hub.Count() == 0 {
		s.mu.Unlock()
		return
	}

	s.logf(log.LevelInfo, "%v: resolution changed, restarting encoder", s.currentDevice)
	s.videoMeta = nil
	s.audioMeta = nil
	s.stopEncoderLocked()

	serial := s.currentDevice
	s.mu.Unlock()

	if err := s.drv.StartLivestream(s.ctx, serial); err != nil {
		s.logf(log.LevelError, "%v: restart livestream: %v", serial, err)
	}
}

// RestartEncoder tears down the current encoder so that the next
// frame starts one with fresh settings. Used on config changes.
func (s *Session) RestartEncoder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopEncoderLocked()
}

// stopEncoderLocked detaches and drains the current encoder.
// The exit handler sees a stale session and does not restart.
func (s *Session) stopEncoderLocked() {
	if s.enc == nil {
		return
	}
	enc := s.enc
	s.enc = nil
	s.hub.ResetInit()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		enc.stop()
	}()
}

// ensureEncoderLocked starts an encoder session when none is running.
// Video metadata must be recorded first.
func (s *Session) ensureEncoderLocked() {
	if s.enc != nil || s.videoMeta == nil || s.currentDevice == "" {
		return
	}

	opts := ffmpeg.TranscodeOpts{
		LogLevel:       s.cfg.LogLevel(),
		VideoCodec:     s.videoMeta.Codec,
		Preset:         s.cfg.Preset(),
		CRF:            s.cfg.CRF(),
		Scale:          s.cfg.Scale(),
		Threads:        s.cfg.Threads(),
		ShortKeyframes: s.cfg.ShortKeyframes(),
	}

	handler := fmp4Handler(s)
	enc, err := newEncoder(s.ffmpegBin, opts, s.newProcess, handler, s.logf)
	if err != nil {
		s.logf(log.LevelError, "%v: create encoder: %v", s.currentDevice, err)
		return
	}
	s.enc = enc

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := enc.run(s.ctx)
		s.onEncoderExit(enc, err)
	}()
}

// onEncoderExit flushes the snapshot seed and restarts the session if
// subscribers are still attached.
func (s *Session) onEncoderExit(enc *encoder, err error) {
	if err != nil {
		s.logf(log.LevelError, "encoder exited: %v", err)
	}

	s.mu.Lock()

	// One last chance to flush the cached keyframe fragment.
	s.kfMu.Lock()
	seed := s.latestKeyframe
	s.kfMu.Unlock()
	if seed != nil && s.currentDevice != "" && s.onSnapshot != nil {
		go s.onSnapshot(s.currentDevice, seed)
	}

	if s.enc != enc {
		// Replaced or deliberately stopped.
		s.mu.Unlock()
		return
	}
	s.enc = nil
	s.hub.ResetInit()

	if s.hub.Count() == 0 || s.currentDevice == "" {
		s.mu.Unlock()
		return
	}

	// Best-effort restart, same path as a resolution change.
	s.logf(log.LevelWarning, "%v: encoder exited unexpectedly, restarting", s.currentDevice)
	s.videoMeta = nil
	s.audioMeta = nil
	serial := s.currentDevice
	s.mu.Unlock()

	if err := s.drv.StartLivestream(s.ctx, serial); err != nil {
		s.logf(log.LevelError, "%v: restart livestream: %v", serial, err)
	}
}

func (s *Session) setLatestKeyframe(seed []byte) {
	s.kfMu.Lock()
	s.latestKeyframe = seed
	s.kfMu.Unlock()
}

// LatestKeyframe returns the latest candidate keyframe seed, or nil.
func (s *Session) LatestKeyframe() []byte {
	s.kfMu.Lock()
	defer s.kfMu.Unlock()
	return s.latestKeyframe
}

// fmp4Handler routes parser output to the hub and the snapshot
// picker. Callbacks run on the encoder output pump and must not take
// the session mutex.
func fmp4Handler(s *Session) fmp4.Handler {
	return fmp4.Handler{
		OnInit:             s.hub.SetInit,
		OnBox:              s.hub.Broadcast,
		OnKeyframeFragment: s.setLatestKeyframe,
	}
}

// Status is the session part of the health report.
type Status struct {
	VideoMeta           *driver.VideoMetadata `json:"videoMeta"`
	AudioMeta           *driver.AudioMetadata `json:"audioMeta"`
	Subscribers         int                   `json:"subscribers"`
	IsTranscoding       bool                  `json:"isTranscoding"`
	CurrentDevice       string                `json:"currentDevice"`
	HasInitSegment      bool                  `json:"hasInitSegment"`
	HasKeyframeFragment bool                  `json:"hasKeyframeFragment"`
}

// Status returns an atomic snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		VideoMeta:           s.videoMeta,
		AudioMeta:           s.audioMeta,
		Subscribers:         s.hub.Count(),
		IsTranscoding:       s.enc != nil,
		CurrentDevice:       s.currentDevice,
		HasInitSegment:      s.hub.HasInit(),
		HasKeyframeFragment: s.LatestKeyframe() != nil,
	}
}

// CurrentDevice returns the serial of the claimed camera, or "".
func (s *Session) CurrentDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDevice
}

// shutdown drains subscribers and stops the encoder.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelTimersLocked()
	s.hub.DetachAll()
	s.stopEncoderLocked()

	if s.currentDevice != "" {
		serial := s.currentDevice
		s.currentDevice = ""
		go s.drv.StopLivestream(context.Background(), serial) //nolint:errcheck
	}
}
