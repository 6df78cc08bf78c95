// SPDX-License-Identifier: GPL-2.0-or-later

package mp4

import "camproxy/pkg/mp4/bitio"

/*************************** ftyp ****************************/

// BoxTypeFtyp .
func BoxTypeFtyp() BoxType { return StrToBoxType("ftyp") }

// CompatibleBrandElem .
type CompatibleBrandElem struct {
	CompatibleBrand [4]byte
}

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands []CompatibleBrandElem
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType { return BoxTypeFtyp() }

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	w.TryWriteUint32(b.MinorVersion)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand.CompatibleBrand[:])
	}
	return w.TryError
}

/*************************** moov ****************************/

// BoxTypeMoov .
func BoxTypeMoov() BoxType { return StrToBoxType("moov") }

// Moov is ISOBMFF moov box type.
type Moov struct{}

// Type returns the BoxType.
func (*Moov) Type() BoxType { return BoxTypeMoov() }

// Size returns the marshaled size in bytes.
func (*Moov) Size() int { return 0 }

// Marshal box to writer.
func (*Moov) Marshal(*bitio.Writer) error { return nil }

/*************************** moof ****************************/

// BoxTypeMoof .
func BoxTypeMoof() BoxType { return StrToBoxType("moof") }

// Moof is ISOBMFF moof box type.
type Moof struct{}

// Type returns the BoxType.
func (*Moof) Type() BoxType { return BoxTypeMoof() }

// Size returns the marshaled size in bytes.
func (*Moof) Size() int { return 0 }

// Marshal box to writer.
func (*Moof) Marshal(*bitio.Writer) error { return nil }

/*************************** mdat ****************************/

// BoxTypeMdat .
func BoxTypeMdat() BoxType { return StrToBoxType("mdat") }

// Mdat is ISOBMFF mdat box type.
type Mdat struct {
	Data []byte
}

// Type returns the BoxType.
func (*Mdat) Type() BoxType { return BoxTypeMdat() }

// Size returns the marshaled size in bytes.
func (b *Mdat) Size() int { return len(b.Data) }

// Marshal box to writer.
func (b *Mdat) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}

/*************************** raw ****************************/

// Raw is a box with an opaque payload.
type Raw struct {
	BoxType BoxType
	Data    []byte
}

// Type returns the BoxType.
func (b *Raw) Type() BoxType { return b.BoxType }

// Size returns the marshaled size in bytes.
func (b *Raw) Size() int { return len(b.Data) }

// Marshal box to writer.
func (b *Raw) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}
