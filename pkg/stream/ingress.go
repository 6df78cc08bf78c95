// SPDX-License-Identifier: GPL-2.0-or-later

package stream

import (
	"camproxy/pkg/aac"
	"camproxy/pkg/driver"
	"camproxy/pkg/log"
)

// Ingress adapts the driver's per-frame callbacks onto the encoder
// sinks. The relative order of calls is preserved per sink.
type Ingress struct {
	session *Session
	logf    logFunc
}

// NewIngress returns the frame ingress for a session.
func NewIngress(session *Session) *Ingress {
	return &Ingress{
		session: session,
		logf:    session.logf,
	}
}

// OnVideoFrame implements driver.FrameHandler. The first frame
// records the metadata and starts the encoder. A resolution change
// replaces the metadata and signals the session controller.
func (in *Ingress) OnVideoFrame(data []byte, meta driver.VideoMetadata) {
	s := in.session

	s.mu.Lock()
	switch {
	case s.videoMeta == nil:
		in.logf(log.LevelInfo, "video: %v %vx%v %vfps",
			meta.Codec, meta.Width, meta.Height, meta.FrameRate)
		metaCopy := meta
		s.videoMeta = &metaCopy

	case s.videoMeta.Width != meta.Width || s.videoMeta.Height != meta.Height:
		in.logf(log.LevelWarning, "video: resolution changed %vx%v -> %vx%v",
			s.videoMeta.Width, s.videoMeta.Height, meta.Width, meta.Height)
		metaCopy := meta
		s.videoMeta = &metaCopy
		s.mu.Unlock()

		s.onResolutionChange()
		return
	}

	s.ensureEncoderLocked()
	enc := s.enc
	s.mu.Unlock()

	if enc == nil {
		return
	}
	if err := enc.writeVideo(data); err != nil {
		// The encoder's own exit drives recovery.
		in.logf(log.LevelDebug, "video: write: %v", err)
	}
}

// OnAudioFrame implements driver.FrameHandler. Audio does not gate
// encoder startup, frames arriving before the encoder are dropped.
func (in *Ingress) OnAudioFrame(data []byte, meta driver.AudioMetadata) {
	s := in.session

	s.mu.Lock()
	if s.audioMeta == nil {
		metaCopy := meta
		s.audioMeta = &metaCopy

		if header, err := aac.DecodeADTSHeader(data); err == nil {
			in.logf(log.LevelInfo, "audio: %v %vHz %vch",
				meta.Codec, header.SampleRate, header.ChannelCount)
		} else {
			in.logf(log.LevelInfo, "audio: %v", meta.Codec)
		}
	}
	enc := s.enc
	s.mu.Unlock()

	if enc == nil {
		return
	}
	if err := enc.writeAudio(data); err != nil {
		in.logf(log.LevelDebug, "audio: write: %v", err)
	}
}
