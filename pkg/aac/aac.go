// SPDX-License-Identifier: GPL-2.0-or-later

// Package aac parses just enough of the AAC framing delivered by the
// driver to describe the audio stream.
package aac

import (
	"errors"
	"fmt"
)

// MPEG4AudioType is the type of an MPEG-4 audio stream.
type MPEG4AudioType int

// Standard MPEG-4 audio types.
const (
	MPEG4AudioTypeAACLC MPEG4AudioType = 2
)

var sampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

var reverseSampleRates = map[int]int{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11, 7350: 12,
}

// ADTS header decode errors.
var (
	ErrADTSdecodeLengthInvalid     = errors.New("invalid length")
	ErrADTSdecodeSyncwordInvalid   = errors.New("invalid syncword")
	ErrADTSdecodeCRCunsupported    = errors.New("CRC is not supported")
	ErrADTSdecodeTypeUnsupported   = errors.New("unsupported audio type")
	ErrADTSdecodeSampleRateInvalid = errors.New("invalid sample rate index")
	ErrADTSdecodeChannelInvalid    = errors.New("invalid channel configuration")
)

// ADTSHeader is the fixed header of an ADTS frame.
type ADTSHeader struct {
	Type         MPEG4AudioType
	SampleRate   int
	ChannelCount int
}

// DecodeADTSHeader decodes the fixed header of the first ADTS frame
// in buf. The payload is not inspected.
func DecodeADTSHeader(buf []byte) (*ADTSHeader, error) {
	// refs: https://wiki.multimedia.cx/index.php/ADTS

	if len(buf) < 7 {
		return nil, ErrADTSdecodeLengthInvalid
	}

	syncWord := (uint16(buf[0]) << 4) | (uint16(buf[1]) >> 4)
	if syncWord != 0xfff {
		return nil, ErrADTSdecodeSyncwordInvalid
	}

	protectionAbsent := buf[1] & 0x01
	if protectionAbsent != 1 {
		return nil, ErrADTSdecodeCRCunsupported
	}

	header := &ADTSHeader{}

	header.Type = MPEG4AudioType((buf[2] >> 6) + 1)
	if header.Type != MPEG4AudioTypeAACLC {
		return nil, fmt.Errorf("%w: %d", ErrADTSdecodeTypeUnsupported, header.Type)
	}

	sampleRateIndex := (buf[2] >> 2) & 0x0F
	if sampleRateIndex > 12 {
		return nil, fmt.Errorf("%w: %d", ErrADTSdecodeSampleRateInvalid, sampleRateIndex)
	}
	header.SampleRate = sampleRates[sampleRateIndex]

	channelConfig := ((buf[2] & 0x01) << 2) | ((buf[3] >> 6) & 0x03)
	switch {
	case channelConfig >= 1 && channelConfig <= 6:
		header.ChannelCount = int(channelConfig)

	case channelConfig == 7:
		header.ChannelCount = 8

	default:
		return nil, fmt.Errorf("%w: %d", ErrADTSdecodeChannelInvalid, channelConfig)
	}

	return header, nil
}
