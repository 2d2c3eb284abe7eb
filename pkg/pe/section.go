package pe

import (
	"bytes"

	"github.com/pkg/errors"
)

// Section pairs a section header with its raw bytes. Appending is the only
// way to grow a section; existing bytes may be overwritten in place but the
// data length never shrinks except through Truncate, which is used to drop
// file-alignment padding from the tail of .reloc before extending it.
type Section struct {
	Header IMAGE_SECTION_HEADER
	Data   []byte
}

func NewEmptySection(name string, characteristics uint32) Section {
	var s Section
	copy(s.Header.Name[:], name)
	s.Header.Characteristics = characteristics
	return s
}

func (s *Section) Name() string {
	return string(bytes.TrimRight(s.Header.Name[:], "\x00"))
}

// AppendCode writes data at the current write offset and returns the section
// offset at which data[0] landed. The header's SizeOfRawData is kept padded
// to the file alignment; the virtual size tracks the unpadded data length.
// Section alignment is applied to virtual addresses when the image is laid
// out, not on each append.
func (s *Section) AppendCode(data []byte, sectionAlignment, fileAlignment uint32) uint32 {
	offset := uint32(len(s.Data))
	s.Data = append(s.Data, data...)
	s.Header.SizeOfRawData = Align(uint32(len(s.Data)), fileAlignment)
	if uint32(len(s.Data)) > s.Header.VirtualSize {
		s.Header.VirtualSize = uint32(len(s.Data))
	}
	_ = sectionAlignment
	return offset
}

// Overwrite patches bytes inside the already-written region. Extending past
// the current length is a caller bug.
func (s *Section) Overwrite(offset uint32, data []byte) error {
	if int(offset)+len(data) > len(s.Data) {
		return errors.Errorf("overwrite of %d bytes at offset 0x%x exceeds section %s length 0x%x",
			len(data), offset, s.Name(), len(s.Data))
	}
	copy(s.Data[offset:], data)
	return nil
}

func (s *Section) CurrentOffset() uint32 {
	return uint32(len(s.Data))
}

// Truncate drops the section data down to n bytes. Used to strip the
// trailing file-alignment padding of .reloc before appending new blocks.
func (s *Section) Truncate(n uint32) {
	if int(n) < len(s.Data) {
		s.Data = s.Data[:n]
	}
}

// Align rounds value up to the next multiple of alignment.
func Align(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment.
func AlignDown(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return value &^ (alignment - 1)
}

// IsRvaWithinSection reports whether rva falls inside the section's virtual
// range. The range end uses the larger of virtual size and raw size, the way
// the loader maps it.
func IsRvaWithinSection(h *IMAGE_SECTION_HEADER, rva uint64) bool {
	size := h.VirtualSize
	if h.SizeOfRawData > size {
		size = h.SizeOfRawData
	}
	return rva >= uint64(h.VirtualAddress) && rva < uint64(h.VirtualAddress)+uint64(size)
}

func RvaToSectionOffset(h *IMAGE_SECTION_HEADER, rva uint64) uint32 {
	return uint32(rva - uint64(h.VirtualAddress))
}

func SectionOffsetToRva(h *IMAGE_SECTION_HEADER, offset uint32) uint64 {
	return uint64(h.VirtualAddress) + uint64(offset)
}
