// SPDX-License-Identifier: GPL-2.0-or-later

// Package mp4 provides a minimal fragmented MP4 box writer.
// It is used to generate media for tests and tooling, the live
// stream is produced by the external encoder.
package mp4

import "camproxy/pkg/mp4/bitio"

// BoxType is the 4-byte box type.
type BoxType [4]byte

// StrToBoxType converts a 4 character string to a BoxType.
func StrToBoxType(typ string) BoxType {
	if len(typ) != 4 {
		panic("invalid box type: " + typ)
	}
	return BoxType{typ[0], typ[1], typ[2], typ[3]}
}

// ImmutableBox is the common interface of boxes.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box to writer.
	Marshal(w *bitio.Writer) error
}

// Boxes is a structure of boxes that can be marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including children.
func (b *Boxes) Size() int {
	total := b.Box.Size() + 8
	for _, child := range b.Children {
		total += child.Size()
	}
	return total
}

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	size := b.Size()

	err := writeBoxInfo(w, uint32(size), b.Box.Type())
	if err != nil {
		return err
	}

	// The size of an empty box is 8 bytes.
	if size != 8 {
		if err := b.Box.Marshal(w); err != nil {
			return err
		}
	}

	for _, child := range b.Children {
		if err := child.Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	w.TryWriteUint32(size)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteSingleBox writes a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := 8 + b.Size()

	err := writeBoxInfo(w, uint32(size), b.Type())
	if err != nil {
		return 0, err
	}

	if size != 8 {
		if err := b.Marshal(w); err != nil {
			return 0, err
		}
	}
	return size, nil
}
