// SPDX-License-Identifier: GPL-2.0-or-later

package fmp4

import (
	"bytes"
	"testing"

	"camproxy/pkg/mp4"
	"camproxy/pkg/mp4/bitio"

	"github.com/stretchr/testify/require"
)

func marshalBox(t *testing.T, box mp4.ImmutableBox) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	_, err := mp4.WriteSingleBox(bitio.NewWriter(buf), box)
	require.NoError(t, err)
	return buf.Bytes()
}

type output struct {
	init      []byte
	boxes     [][]byte
	keyframes [][]byte
}

func newTestParser(out *output) *Parser {
	return NewParser(Handler{
		OnInit: func(init []byte) { out.init = init },
		OnBox:  func(box []byte) { out.boxes = append(out.boxes, box) },
		OnKeyframeFragment: func(frag []byte) {
			out.keyframes = append(out.keyframes, frag)
		},
	})
}

func testMedia(t *testing.T) (ftyp, moov []byte) {
	t.Helper()
	ftyp = marshalBox(t, &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', '5'},
		MinorVersion: 512,
	})
	moov = marshalBox(t, &mp4.Moov{})
	return ftyp, moov
}

func fragment(t *testing.T, mdatSize int) (moof, mdat []byte) {
	t.Helper()
	moof = marshalBox(t, &mp4.Moof{})
	mdat = marshalBox(t, &mp4.Mdat{Data: make([]byte, mdatSize)})
	return moof, mdat
}

func TestParser(t *testing.T) {
	t.Run("initCapture", func(t *testing.T) {
		ftyp, moov := testMedia(t)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(append(append([]byte{}, ftyp...), moov...))
		require.NoError(t, err)

		require.Equal(t, append(append([]byte{}, ftyp...), moov...), out.init)
		require.Equal(t, out.init, parser.InitSegment())
		// The init boxes are not forwarded as media.
		require.Empty(t, out.boxes)
	})
	t.Run("splitWrites", func(t *testing.T) {
		ftyp, moov := testMedia(t)
		stream := append(append([]byte{}, ftyp...), moov...)

		var out output
		parser := newTestParser(&out)

		// One byte at a time.
		for _, b := range stream {
			_, err := parser.Write([]byte{b})
			require.NoError(t, err)
		}

		require.Equal(t, stream, out.init)
	})
	t.Run("mediaForwarding", func(t *testing.T) {
		ftyp, moov := testMedia(t)
		moof, mdat := fragment(t, 100)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(ftyp)
		require.NoError(t, err)
		_, err = parser.Write(moov)
		require.NoError(t, err)
		_, err = parser.Write(moof)
		require.NoError(t, err)
		_, err = parser.Write(mdat)
		require.NoError(t, err)

		require.Equal(t, [][]byte{moof, mdat}, out.boxes)
	})
	t.Run("secondFtypForwarded", func(t *testing.T) {
		ftyp, moov := testMedia(t)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(append(append([]byte{}, ftyp...), moov...))
		require.NoError(t, err)
		_, err = parser.Write(ftyp)
		require.NoError(t, err)

		require.Equal(t, [][]byte{ftyp}, out.boxes)
	})
	t.Run("invalidBoxSize", func(t *testing.T) {
		var out output
		parser := newTestParser(&out)

		_, err := parser.Write([]byte{0, 0, 0, 7, 'f', 'r', 'e', 'e'})
		require.ErrorIs(t, err, ErrInvalidBoxSize)
	})
}

func TestKeyframeHeuristic(t *testing.T) {
	t.Run("warmup", func(t *testing.T) {
		ftyp, moov := testMedia(t)
		init := append(append([]byte{}, ftyp...), moov...)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(init)
		require.NoError(t, err)

		// Large warmup fragment is tagged.
		moof, mdat := fragment(t, 400*1024)
		_, err = parser.Write(append(append([]byte{}, moof...), mdat...))
		require.NoError(t, err)

		require.Len(t, out.keyframes, 1)
		expected := append(append(append([]byte{}, init...), moof...), mdat...)
		require.Equal(t, expected, out.keyframes[0])
	})
	t.Run("relativeSize", func(t *testing.T) {
		ftyp, moov := testMedia(t)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(append(append([]byte{}, ftyp...), moov...))
		require.NoError(t, err)

		write := func(mdatSize int) {
			moof, mdat := fragment(t, mdatSize)
			_, err := parser.Write(append(append([]byte{}, moof...), mdat...))
			require.NoError(t, err)
		}

		// Warm up past the fragment count threshold with
		// fragments too small for the absolute floor.
		for i := 0; i < 6; i++ {
			write(100 * 1024)
		}
		require.Len(t, out.keyframes, 6) // All equal, all ≥ 70% of largest.

		write(10 * 1024) // Small delta fragment, not tagged.
		require.Len(t, out.keyframes, 6)

		write(200 * 1024) // New largest, tagged.
		require.Len(t, out.keyframes, 7)

		write(150 * 1024) // ≥ 70% of largest, tagged.
		require.Len(t, out.keyframes, 8)

		write(100 * 1024) // Below 70% of largest now, not tagged.
		require.Len(t, out.keyframes, 8)
	})
	t.Run("moofResetsCandidate", func(t *testing.T) {
		ftyp, moov := testMedia(t)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(append(append([]byte{}, ftyp...), moov...))
		require.NoError(t, err)

		moof1, _ := fragment(t, 0)
		moof2, mdat := fragment(t, 400*1024)

		_, err = parser.Write(moof1)
		require.NoError(t, err)
		_, err = parser.Write(moof2)
		require.NoError(t, err)
		_, err = parser.Write(mdat)
		require.NoError(t, err)

		// Both moofs forwarded live.
		require.Equal(t, [][]byte{moof1, moof2, mdat}, out.boxes)
		// Only one fragment finalized, from the second moof.
		require.Len(t, out.keyframes, 1)
		require.Equal(t,
			append(append(append(append([]byte{}, ftyp...), moov...), moof2...), mdat...),
			out.keyframes[0])
	})
	t.Run("orphanMdat", func(t *testing.T) {
		ftyp, moov := testMedia(t)

		var out output
		parser := newTestParser(&out)

		_, err := parser.Write(append(append([]byte{}, ftyp...), moov...))
		require.NoError(t, err)

		mdat := marshalBox(t, &mp4.Mdat{Data: make([]byte, 400*1024)})
		_, err = parser.Write(mdat)
		require.NoError(t, err)

		// Forwarded live, ignored by the snapshot path.
		require.Equal(t, [][]byte{mdat}, out.boxes)
		require.Empty(t, out.keyframes)
	})
}
