/*
package pe models a portable executable as a flat byte image plus typed
accessors over its headers. The protector mutates images in place (header
fields, relocation entries, directory nulling) and assembles new images from
a header blob plus an ordered section list.
*/
package pe

import (
	"bytes"
	"encoding/binary"
	"os"

	bpe "github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

type PortableExecutable struct {
	data []byte
	file *bpe.File
}

// Export is a named symbol exported by the image.
type Export struct {
	Name string
	Rva  uint32
}

// Open validates and wraps a raw PE image. The buffer is owned by the
// returned PortableExecutable from here on.
func Open(data []byte) (*PortableExecutable, error) {
	if len(data) < SizeOfDosHeader {
		return nil, errors.New("image smaller than a DOS header")
	}

	p := &PortableExecutable{data: data}

	dos := p.DosHeader()
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, errors.Errorf("bad DOS magic 0x%04x", dos.E_magic)
	}

	nt, err := p.NtHeaders()
	if err != nil {
		return nil, err
	}
	if nt.Signature != IMAGE_NT_SIGNATURE {
		return nil, errors.Errorf("bad NT signature 0x%08x", nt.Signature)
	}

	file, err := bpe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parsing PE")
	}
	p.file = file

	return p, nil
}

func FromFile(path string) (*PortableExecutable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return Open(data)
}

func (p *PortableExecutable) IsValid() bool {
	return p.file != nil
}

// Data exposes the raw image for in-place patching.
func (p *PortableExecutable) Data() []byte {
	return p.data
}

func (p *PortableExecutable) DosHeader() IMAGE_DOS_HEADER {
	var dos IMAGE_DOS_HEADER
	readStruct(p.data, 0, &dos)
	return dos
}

func (p *PortableExecutable) ntHeaderOffset() int {
	return int(p.DosHeader().E_lfanew)
}

func (p *PortableExecutable) NtHeaders() (*IMAGE_NT_HEADERS, error) {
	off := p.ntHeaderOffset()
	var nt IMAGE_NT_HEADERS
	if off <= 0 || off+binary.Size(&nt) > len(p.data) {
		return nil, errors.Errorf("NT header offset 0x%x out of range", off)
	}
	readStruct(p.data, off, &nt)
	return &nt, nil
}

// SetNtHeaders serializes the headers back into the image.
func (p *PortableExecutable) SetNtHeaders(nt *IMAGE_NT_HEADERS) {
	writeStruct(p.data, p.ntHeaderOffset(), nt)
}

func (p *PortableExecutable) sectionHeadersOffset() int {
	nt, _ := p.NtHeaders()
	return p.ntHeaderOffset() + 4 + SizeOfFileHeader + int(nt.FileHeader.SizeOfOptionalHeader)
}

func (p *PortableExecutable) SectionHeaders() []IMAGE_SECTION_HEADER {
	nt, err := p.NtHeaders()
	if err != nil {
		return nil
	}
	off := p.sectionHeadersOffset()
	headers := make([]IMAGE_SECTION_HEADER, nt.FileHeader.NumberOfSections)
	for i := range headers {
		readStruct(p.data, off+i*SizeOfSectionHeader, &headers[i])
	}
	return headers
}

func (p *PortableExecutable) SectionFromName(name string) (*IMAGE_SECTION_HEADER, bool) {
	for _, h := range p.SectionHeaders() {
		h := h
		if sectionName(&h) == name {
			return &h, true
		}
	}
	return nil, false
}

func (p *PortableExecutable) SectionFromRva(rva uint64) (*IMAGE_SECTION_HEADER, bool) {
	for _, h := range p.SectionHeaders() {
		h := h
		if IsRvaWithinSection(&h, rva) {
			return &h, true
		}
	}
	return nil, false
}

// RvaToFileOffset converts an RVA inside some section to its on-disk offset.
func (p *PortableExecutable) RvaToFileOffset(rva uint64) (uint32, error) {
	h, ok := p.SectionFromRva(rva)
	if !ok {
		return 0, errors.Errorf("rva 0x%x is not inside any section", rva)
	}
	return h.PointerToRawData + uint32(rva-uint64(h.VirtualAddress)), nil
}

// DataDirectoryFileOffset returns the file offset of the data-directory
// entry with the given index, for recording header fixups.
func (p *PortableExecutable) DataDirectoryFileOffset(index int) uint32 {
	return uint32(p.ntHeaderOffset() + 4 + SizeOfFileHeader + dataDirectoryOffset + index*SizeOfDataDirectory)
}

// CopySectionDeep clones a section's raw bytes together with its header.
func (p *PortableExecutable) CopySectionDeep(h *IMAGE_SECTION_HEADER) Section {
	s := Section{Header: *h}
	if h.SizeOfRawData > 0 {
		s.Data = make([]byte, h.SizeOfRawData)
		copy(s.Data, p.data[h.PointerToRawData:h.PointerToRawData+h.SizeOfRawData])
	}
	return s
}

func (p *PortableExecutable) CopySectionsDeep() []Section {
	headers := p.SectionHeaders()
	sections := make([]Section, 0, len(headers))
	for i := range headers {
		sections = append(sections, p.CopySectionDeep(&headers[i]))
	}
	return sections
}

// CopyHeaderData clones everything up to SizeOfHeaders: DOS header, stub,
// NT headers and the section-header table with its padding.
func (p *PortableExecutable) CopyHeaderData() []byte {
	nt, _ := p.NtHeaders()
	size := int(nt.OptionalHeader.SizeOfHeaders)
	if size > len(p.data) {
		size = len(p.data)
	}
	out := make([]byte, size)
	copy(out, p.data[:size])
	return out
}

// Exports lists the image's exported symbols.
func (p *PortableExecutable) Exports() ([]Export, error) {
	raw, err := p.file.Exports()
	if err != nil {
		return nil, errors.Wrap(err, "reading export table")
	}
	exports := make([]Export, 0, len(raw))
	for _, e := range raw {
		exports = append(exports, Export{Name: e.Name, Rva: e.VirtualAddress})
	}
	return exports, nil
}

// RelocationEntry is one base-relocation entry surfaced during a walk.
// Mutations to Type and Offset are written back into the image.
type RelocationEntry struct {
	BlockVirtualAddress uint32
	Type                uint16
	Offset              uint16

	fileOffset int
}

// Rva returns the address the entry relocates.
func (e *RelocationEntry) Rva() uint64 {
	return uint64(e.BlockVirtualAddress) + uint64(e.Offset)
}

// EachRelocation walks every entry of the base-relocation directory in file
// order. The callback may rewrite Type/Offset in place; changes are stored
// back before the walk moves on.
func (p *PortableExecutable) EachRelocation(fn func(e *RelocationEntry)) error {
	nt, err := p.NtHeaders()
	if err != nil {
		return err
	}

	dir := nt.OptionalHeader.DataDirectory[IMAGE_DIRECTORY_ENTRY_BASERELOC]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}

	base, err := p.RvaToFileOffset(uint64(dir.VirtualAddress))
	if err != nil {
		return errors.Wrap(err, "locating .reloc data")
	}

	walked := uint32(0)
	for walked < dir.Size {
		blockOff := int(base + walked)
		var block IMAGE_BASE_RELOCATION
		readStruct(p.data, blockOff, &block)

		if block.VirtualAddress == 0 || block.SizeOfBlock == 0 {
			break
		}
		if block.SizeOfBlock < SizeOfBaseRelocation {
			return errors.Errorf("relocation block at 0x%x has size %d", blockOff, block.SizeOfBlock)
		}

		entryCount := int(block.SizeOfBlock-SizeOfBaseRelocation) / 2
		for i := 0; i < entryCount; i++ {
			entryOff := blockOff + SizeOfBaseRelocation + i*2
			raw := binary.LittleEndian.Uint16(p.data[entryOff:])
			entry := RelocationEntry{
				BlockVirtualAddress: block.VirtualAddress,
				Type:                (raw >> 12) & 0xF,
				Offset:              raw & 0xFFF,
				fileOffset:          entryOff,
			}
			fn(&entry)
			if updated := (entry.Type << 12) | (entry.Offset & 0xFFF); updated != raw {
				binary.LittleEndian.PutUint16(p.data[entryOff:], updated)
			}
		}

		walked += block.SizeOfBlock
	}

	return nil
}

// Relocate shifts every relocated pointer in the image by delta, patching
// the raw bytes through the base-relocation directory.
func (p *PortableExecutable) Relocate(delta int64) error {
	var walkErr error
	err := p.EachRelocation(func(e *RelocationEntry) {
		if walkErr != nil {
			return
		}
		switch e.Type {
		case IMAGE_REL_BASED_ABSOLUTE:
			// padding, skipped per the PE format
		case IMAGE_REL_BASED_HIGHLOW:
			off, err := p.RvaToFileOffset(e.Rva())
			if err != nil {
				walkErr = err
				return
			}
			v := binary.LittleEndian.Uint32(p.data[off:])
			binary.LittleEndian.PutUint32(p.data[off:], uint32(int64(v)+delta))
		case IMAGE_REL_BASED_DIR64:
			off, err := p.RvaToFileOffset(e.Rva())
			if err != nil {
				walkErr = err
				return
			}
			v := binary.LittleEndian.Uint64(p.data[off:])
			binary.LittleEndian.PutUint64(p.data[off:], uint64(int64(v)+delta))
		default:
			walkErr = errors.Errorf("unsupported relocation type %d", e.Type)
		}
	})
	if err != nil {
		return err
	}
	return walkErr
}

// Build lays out a new image from a header blob and an ordered section
// list. Existing sections keep their virtual addresses; sections with a zero
// VirtualAddress are placed after the highest existing one, aligned to the
// section alignment. File offsets are reassigned in order.
func Build(headerData []byte, sections []Section) (*PortableExecutable, error) {
	var dos IMAGE_DOS_HEADER
	readStruct(headerData, 0, &dos)

	ntOff := int(dos.E_lfanew)
	var nt IMAGE_NT_HEADERS
	readStruct(headerData, ntOff, &nt)

	sectionAlignment := nt.OptionalHeader.SectionAlignment
	fileAlignment := nt.OptionalHeader.FileAlignment

	headersOff := ntOff + 4 + SizeOfFileHeader + int(nt.FileHeader.SizeOfOptionalHeader)
	if headersOff+len(sections)*SizeOfSectionHeader > int(nt.OptionalHeader.SizeOfHeaders) {
		return nil, errors.Errorf("no room for %d section headers inside SizeOfHeaders", len(sections))
	}

	filePos := Align(nt.OptionalHeader.SizeOfHeaders, fileAlignment)
	nextVa := uint32(0)

	type placed struct {
		header IMAGE_SECTION_HEADER
		data   []byte
	}
	layout := make([]placed, 0, len(sections))

	for i := range sections {
		s := &sections[i]
		h := s.Header

		if uint32(len(s.Data)) > h.VirtualSize {
			h.VirtualSize = uint32(len(s.Data))
		}
		if h.VirtualAddress == 0 {
			h.VirtualAddress = Align(nextVa, sectionAlignment)
		}

		h.SizeOfRawData = Align(uint32(len(s.Data)), fileAlignment)
		if h.SizeOfRawData > 0 {
			h.PointerToRawData = filePos
		} else {
			h.PointerToRawData = 0
		}
		filePos += h.SizeOfRawData

		end := h.VirtualAddress + h.VirtualSize
		if end > nextVa {
			nextVa = end
		}

		layout = append(layout, placed{header: h, data: s.Data})
	}

	out := make([]byte, filePos)
	copy(out, headerData)

	nt.FileHeader.NumberOfSections = uint16(len(layout))
	nt.OptionalHeader.SizeOfImage = Align(nextVa, sectionAlignment)
	writeStruct(out, ntOff, &nt)

	for i := range layout {
		writeStruct(out, headersOff+i*SizeOfSectionHeader, &layout[i].header)
		copy(out[layout[i].header.PointerToRawData:], layout[i].data)
	}

	return Open(out)
}

// ParseNtHeaders decodes the NT headers out of a raw header blob.
func ParseNtHeaders(headerData []byte) (*IMAGE_NT_HEADERS, error) {
	var dos IMAGE_DOS_HEADER
	readStruct(headerData, 0, &dos)
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, errors.Errorf("bad DOS magic 0x%04x", dos.E_magic)
	}
	var nt IMAGE_NT_HEADERS
	readStruct(headerData, int(dos.E_lfanew), &nt)
	if nt.Signature != IMAGE_NT_SIGNATURE {
		return nil, errors.Errorf("bad NT signature 0x%08x", nt.Signature)
	}
	return &nt, nil
}

// StoreNtHeaders serializes the NT headers back into a raw header blob.
func StoreNtHeaders(headerData []byte, nt *IMAGE_NT_HEADERS) {
	var dos IMAGE_DOS_HEADER
	readStruct(headerData, 0, &dos)
	writeStruct(headerData, int(dos.E_lfanew), nt)
}

func sectionName(h *IMAGE_SECTION_HEADER) string {
	return string(bytes.TrimRight(h.Name[:], "\x00"))
}

// SectionHeaderName is the exported spelling of sectionName for callers that
// hold bare headers.
func SectionHeaderName(h *IMAGE_SECTION_HEADER) string {
	return sectionName(h)
}

func readStruct(buf []byte, off int, v interface{}) {
	_ = binary.Read(bytes.NewReader(buf[off:]), binary.LittleEndian, v)
}

func writeStruct(buf []byte, off int, v interface{}) {
	var tmp bytes.Buffer
	_ = binary.Write(&tmp, binary.LittleEndian, v)
	copy(buf[off:], tmp.Bytes())
}
