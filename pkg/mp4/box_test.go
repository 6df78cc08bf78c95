// SPDX-License-Identifier: GPL-2.0-or-later

package mp4

import (
	"bytes"
	"testing"

	"camproxy/pkg/mp4/bitio"

	"github.com/stretchr/testify/require"
)

func TestFtyp(t *testing.T) {
	box := Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', '5'},
		MinorVersion: 512,
		CompatibleBrands: []CompatibleBrandElem{
			{[4]byte{'i', 's', 'o', '5'}},
			{[4]byte{'i', 's', 'o', '6'}},
		},
	}

	buf := &bytes.Buffer{}
	w := bitio.NewWriter(buf)

	n, err := WriteSingleBox(w, &box)
	require.NoError(t, err)
	require.Equal(t, 24, n)

	expected := []byte{
		0, 0, 0, 0x18,
		'f', 't', 'y', 'p',
		'i', 's', 'o', '5',
		0, 0, 2, 0,
		'i', 's', 'o', '5',
		'i', 's', 'o', '6',
	}
	require.Equal(t, expected, buf.Bytes())
}

func TestBoxes(t *testing.T) {
	boxes := Boxes{
		Box: &Moov{},
		Children: []Boxes{
			{Box: &Raw{BoxType: StrToBoxType("mvhd"), Data: []byte{1, 2}}},
		},
	}

	buf := &bytes.Buffer{}
	w := bitio.NewWriter(buf)

	require.Equal(t, 18, boxes.Size())
	require.NoError(t, boxes.Marshal(w))

	expected := []byte{
		0, 0, 0, 18,
		'm', 'o', 'o', 'v',
		0, 0, 0, 10,
		'm', 'v', 'h', 'd',
		1, 2,
	}
	require.Equal(t, expected, buf.Bytes())
}

func TestMdat(t *testing.T) {
	buf := &bytes.Buffer{}
	w := bitio.NewWriter(buf)

	n, err := WriteSingleBox(w, &Mdat{Data: []byte{0xab}})
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, []byte{0, 0, 0, 9, 'm', 'd', 'a', 't', 0xab}, buf.Bytes())
}

func TestStrToBoxTypePanic(t *testing.T) {
	require.Panics(t, func() { StrToBoxType("toolong") })
}
