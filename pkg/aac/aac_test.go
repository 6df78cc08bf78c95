// SPDX-License-Identifier: GPL-2.0-or-later

package aac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeADTSHeader(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		// AAC-LC, 16000 Hz, mono.
		frame := []byte{0xff, 0xf1, 0x60, 0x40, 0x01, 0x3f, 0xfc, 0xaa}

		header, err := DecodeADTSHeader(frame)
		require.NoError(t, err)
		require.Equal(t, MPEG4AudioTypeAACLC, header.Type)
		require.Equal(t, 16000, header.SampleRate)
		require.Equal(t, 1, header.ChannelCount)
	})
	t.Run("stereo48k", func(t *testing.T) {
		frame := []byte{0xff, 0xf1, 0x4c, 0x80, 0x01, 0x3f, 0xfc}

		header, err := DecodeADTSHeader(frame)
		require.NoError(t, err)
		require.Equal(t, 48000, header.SampleRate)
		require.Equal(t, 2, header.ChannelCount)
	})
	t.Run("tooShort", func(t *testing.T) {
		_, err := DecodeADTSHeader([]byte{0xff})
		require.ErrorIs(t, err, ErrADTSdecodeLengthInvalid)
	})
	t.Run("badSyncword", func(t *testing.T) {
		_, err := DecodeADTSHeader([]byte{0, 0, 0, 0, 0, 0, 0})
		require.ErrorIs(t, err, ErrADTSdecodeSyncwordInvalid)
	})
	t.Run("crcUnsupported", func(t *testing.T) {
		_, err := DecodeADTSHeader([]byte{0xff, 0xf0, 0x60, 0x40, 0x01, 0x3f, 0xfc})
		require.ErrorIs(t, err, ErrADTSdecodeCRCunsupported)
	})
	t.Run("badSampleRate", func(t *testing.T) {
		_, err := DecodeADTSHeader([]byte{0xff, 0xf1, 0x74, 0x40, 0x01, 0x3f, 0xfc})
		require.ErrorIs(t, err, ErrADTSdecodeSampleRateInvalid)
	})
	t.Run("badChannels", func(t *testing.T) {
		_, err := DecodeADTSHeader([]byte{0xff, 0xf1, 0x60, 0x00, 0x01, 0x3f, 0xfc})
		require.ErrorIs(t, err, ErrADTSdecodeChannelInvalid)
	})
}
