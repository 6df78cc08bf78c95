// SPDX-License-Identifier: GPL-2.0-or-later

// Package fmp4 splits the encoder output into complete boxes and
// classifies them for the init cache, the fan-out hub and the
// snapshot picker.
package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Box types the classifier cares about. Box bodies are never inspected.
var (
	boxTypeFtyp = [4]byte{'f', 't', 'y', 'p'}
	boxTypeMoov = [4]byte{'m', 'o', 'o', 'v'}
	boxTypeMoof = [4]byte{'m', 'o', 'o', 'f'}
	boxTypeMdat = [4]byte{'m', 'd', 'a', 't'}
)

const boxHeaderSize = 8

// Keyframe heuristic. Fragments are keyframe-aligned by the encoder
// invocation, so a likely keyframe fragment is one that is large
// relative to its neighbors.
const (
	fragmentSizeWindow = 20
	warmupFragments    = 5
	warmupMinSize      = 300 * 1024
	largestSeenRatio   = 0.7
)

// ErrInvalidBoxSize box size is below the header size. This is an
// invariant violation from the encoder and terminates the session.
var ErrInvalidBoxSize = errors.New("invalid box size")

// Handler receives classified output.
// All callbacks are invoked from the Write caller.
type Handler struct {
	// OnInit is called exactly once per session with the
	// concatenated ftyp+moov init segment.
	OnInit func(initSegment []byte)

	// OnBox is called with every complete box after the init
	// segment, in arrival order.
	OnBox func(box []byte)

	// OnKeyframeFragment is called with init+moof+mdat bytes
	// whenever a finalized fragment is tagged as a likely keyframe.
	OnKeyframeFragment func(fragment []byte)
}

// Parser is an io.Writer over the encoder output.
type Parser struct {
	handler Handler

	buf []byte

	ftyp        []byte
	initSegment []byte

	candidate     []byte
	fragmentCount int
	fragmentSizes []int
}

// NewParser returns a parser for one encoder session.
func NewParser(handler Handler) *Parser {
	return &Parser{handler: handler}
}

// InitSegment returns the captured init segment, or nil.
func (p *Parser) InitSegment() []byte {
	return p.initSegment
}

// Write appends data and drains every complete box.
func (p *Parser) Write(data []byte) (int, error) {
	p.buf = append(p.buf, data...)

	for len(p.buf) >= boxHeaderSize {
		size := binary.BigEndian.Uint32(p.buf[:4])
		if size < boxHeaderSize {
			return 0, fmt.Errorf("%w: %d", ErrInvalidBoxSize, size)
		}
		if uint32(len(p.buf)) < size {
			break
		}

		box := make([]byte, size)
		copy(box, p.buf[:size])
		p.buf = p.buf[size:]

		p.classify(box)
	}

	return len(data), nil
}

func (p *Parser) classify(box []byte) {
	var typ [4]byte
	copy(typ[:], box[4:8])

	if p.initSegment == nil {
		switch typ {
		case boxTypeFtyp:
			if p.ftyp == nil {
				p.ftyp = box
				return
			}
		case boxTypeMoov:
			if p.ftyp != nil {
				p.initSegment = append(p.ftyp, box...)
				if p.handler.OnInit != nil {
					p.handler.OnInit(p.initSegment)
				}
				return
			}
		}
	}

	if p.handler.OnBox != nil {
		p.handler.OnBox(box)
	}

	switch typ {
	case boxTypeMoof:
		// A moof before the previous mdat arrived
		// resets the candidate.
		p.candidate = box
		p.fragmentCount++

	case boxTypeMdat:
		if p.candidate == nil {
			// Orphan mdat, forwarded live but not
			// snapshot-worthy.
			return
		}
		fragment := append(p.candidate, box...)
		p.candidate = nil
		p.finalizeFragment(fragment)
	}
}

func (p *Parser) finalizeFragment(fragment []byte) {
	size := len(fragment)

	p.fragmentSizes = append(p.fragmentSizes, size)
	if len(p.fragmentSizes) > fragmentSizeWindow {
		p.fragmentSizes = p.fragmentSizes[1:]
	}

	largestSeen := 0
	for _, s := range p.fragmentSizes {
		if s > largestSeen {
			largestSeen = s
		}
	}

	likelyKeyframe := (p.fragmentCount < warmupFragments && size > warmupMinSize) ||
		float64(size) >= largestSeenRatio*float64(largestSeen)

	if likelyKeyframe && p.handler.OnKeyframeFragment != nil {
		seed := make([]byte, 0, len(p.initSegment)+len(fragment))
		seed = append(seed, p.initSegment...)
		seed = append(seed, fragment...)
		p.handler.OnKeyframeFragment(seed)
	}
}
