// Package petest builds small synthetic PE images for tests: a header, a
// handful of sections, optionally an export directory and base relocations.
package petest

import (
	"bytes"
	"encoding/binary"

	"github.com/Deputation/GreyM/pkg/pe"
)

const (
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	SizeOfHeaders    = 0x400
)

type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Data            []byte
	Characteristics uint32
}

type Export struct {
	Name string
	Rva  uint32
}

type Image struct {
	ImageBase  uint64
	EntryPoint uint32
	Sections   []Section

	// Exports are serialized into a section named .edata, which must be
	// declared in Sections with empty Data; its bytes are generated.
	Exports []Export

	// RelocRvas become base-relocation entries of the build's native type
	// inside a section named .reloc, likewise generated when declared
	// with empty Data.
	RelocRvas []uint64

	// TlsDirectoryRva points the TLS data directory at bytes the caller
	// placed in some section.
	TlsDirectoryRva  uint32
	TlsDirectorySize uint32
}

// Build lays the image out and parses it back through pe.Open.
func Build(img Image) (*pe.PortableExecutable, error) {
	sections := img.Sections

	for i := range sections {
		switch sections[i].Name {
		case ".edata":
			if len(sections[i].Data) == 0 && len(img.Exports) > 0 {
				sections[i].Data = buildExportDirectory(sections[i].VirtualAddress, img.Exports)
			}
		case ".reloc":
			if len(sections[i].Data) == 0 && len(img.RelocRvas) > 0 {
				sections[i].Data = BuildRelocData(img.RelocRvas)
			}
		}
	}

	var nt pe.IMAGE_NT_HEADERS
	nt.Signature = pe.IMAGE_NT_SIGNATURE
	nt.FileHeader.Machine = pe.MachineExpected
	nt.FileHeader.NumberOfSections = uint16(len(sections))
	nt.FileHeader.SizeOfOptionalHeader = uint16(binary.Size(&nt.OptionalHeader))
	nt.FileHeader.Characteristics = 0x0002 // executable image

	nt.OptionalHeader.Magic = pe.OptionalHeaderMagic
	nt.OptionalHeader.AddressOfEntryPoint = img.EntryPoint
	setImageBase(&nt.OptionalHeader, img.ImageBase)
	nt.OptionalHeader.SectionAlignment = SectionAlignment
	nt.OptionalHeader.FileAlignment = FileAlignment
	nt.OptionalHeader.SizeOfHeaders = SizeOfHeaders
	nt.OptionalHeader.NumberOfRvaAndSizes = 16
	nt.OptionalHeader.Subsystem = 3 // console

	filePos := uint32(SizeOfHeaders)
	var headers []pe.IMAGE_SECTION_HEADER
	maxVa := uint32(0)

	for i := range sections {
		s := &sections[i]
		var h pe.IMAGE_SECTION_HEADER
		copy(h.Name[:], s.Name)
		h.VirtualAddress = s.VirtualAddress
		h.VirtualSize = s.VirtualSize
		if h.VirtualSize < uint32(len(s.Data)) {
			h.VirtualSize = uint32(len(s.Data))
		}
		h.SizeOfRawData = align(uint32(len(s.Data)), FileAlignment)
		if h.SizeOfRawData > 0 {
			h.PointerToRawData = filePos
		}
		h.Characteristics = s.Characteristics
		filePos += h.SizeOfRawData
		headers = append(headers, h)

		if end := h.VirtualAddress + align(h.VirtualSize, SectionAlignment); end > maxVa {
			maxVa = end
		}

		switch s.Name {
		case ".edata":
			nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.IMAGE_DATA_DIRECTORY{
				VirtualAddress: s.VirtualAddress,
				Size:           uint32(len(s.Data)),
			}
		case ".reloc":
			nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = pe.IMAGE_DATA_DIRECTORY{
				VirtualAddress: s.VirtualAddress,
				Size:           uint32(len(s.Data)),
			}
		}
	}

	if img.TlsDirectoryRva != 0 {
		nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_TLS] = pe.IMAGE_DATA_DIRECTORY{
			VirtualAddress: img.TlsDirectoryRva,
			Size:           img.TlsDirectorySize,
		}
	}

	nt.OptionalHeader.SizeOfImage = maxVa

	out := make([]byte, filePos)

	var dos pe.IMAGE_DOS_HEADER
	dos.E_magic = pe.IMAGE_DOS_SIGNATURE
	dos.E_lfanew = 0x80
	writeStruct(out, 0, &dos)
	writeStruct(out, int(dos.E_lfanew), &nt)

	headersOff := int(dos.E_lfanew) + 4 + pe.SizeOfFileHeader + int(nt.FileHeader.SizeOfOptionalHeader)
	for i := range headers {
		writeStruct(out, headersOff+i*pe.SizeOfSectionHeader, &headers[i])
		copy(out[headers[i].PointerToRawData:], sections[i].Data)
	}

	return pe.Open(out)
}

// BuildRelocData serializes base-relocation blocks for the given rvas,
// grouped by 4K page, padded to even entry counts.
func BuildRelocData(rvas []uint64) []byte {
	var out bytes.Buffer

	flush := func(pageVa uint32, entries []pe.BASE_RELOCATION_ENTRY) {
		if len(entries) == 0 {
			return
		}
		if len(entries)%2 != 0 {
			entries = append(entries, pe.MakeRelocationEntry(pe.IMAGE_REL_BASED_ABSOLUTE, 0))
		}
		_ = binary.Write(&out, binary.LittleEndian, pe.IMAGE_BASE_RELOCATION{
			VirtualAddress: pageVa,
			SizeOfBlock:    uint32(pe.SizeOfBaseRelocation + 2*len(entries)),
		})
		_ = binary.Write(&out, binary.LittleEndian, entries)
	}

	var entries []pe.BASE_RELOCATION_ENTRY
	pageVa := uint32(0)
	for i, rva := range rvas {
		page := uint32(rva) &^ 0xFFF
		if i == 0 {
			pageVa = page
		}
		if page != pageVa {
			flush(pageVa, entries)
			entries = entries[:0]
			pageVa = page
		}
		entries = append(entries, pe.MakeRelocationEntry(pe.RelocTypeNative, uint16(rva&0xFFF)))
	}
	flush(pageVa, entries)

	return out.Bytes()
}

// buildExportDirectory serializes a minimal export table at the given
// section rva.
func buildExportDirectory(sectionRva uint32, exports []Export) []byte {
	n := uint32(len(exports))

	const dirSize = 40
	functionsOff := uint32(dirSize)
	namesOff := functionsOff + 4*n
	ordinalsOff := namesOff + 4*n
	stringsOff := ordinalsOff + 2*n

	var strings bytes.Buffer
	nameRvas := make([]uint32, n)
	for i, e := range exports {
		nameRvas[i] = sectionRva + stringsOff + uint32(strings.Len())
		strings.WriteString(e.Name)
		strings.WriteByte(0)
	}

	var out bytes.Buffer
	// IMAGE_EXPORT_DIRECTORY
	for _, v := range []uint32{
		0, 0, // Characteristics, TimeDateStamp
	} {
		_ = binary.Write(&out, binary.LittleEndian, v)
	}
	_ = binary.Write(&out, binary.LittleEndian, uint16(0)) // MajorVersion
	_ = binary.Write(&out, binary.LittleEndian, uint16(0)) // MinorVersion
	for _, v := range []uint32{
		0,                         // Name
		1,                         // Base
		n,                         // NumberOfFunctions
		n,                         // NumberOfNames
		sectionRva + functionsOff, // AddressOfFunctions
		sectionRva + namesOff,     // AddressOfNames
		sectionRva + ordinalsOff,  // AddressOfNameOrdinals
	} {
		_ = binary.Write(&out, binary.LittleEndian, v)
	}

	for _, e := range exports {
		_ = binary.Write(&out, binary.LittleEndian, e.Rva)
	}
	for _, rva := range nameRvas {
		_ = binary.Write(&out, binary.LittleEndian, rva)
	}
	for i := uint16(0); i < uint16(n); i++ {
		_ = binary.Write(&out, binary.LittleEndian, i)
	}
	out.Write(strings.Bytes())

	return out.Bytes()
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func writeStruct(buf []byte, off int, v interface{}) {
	var tmp bytes.Buffer
	_ = binary.Write(&tmp, binary.LittleEndian, v)
	copy(buf[off:], tmp.Bytes())
}
