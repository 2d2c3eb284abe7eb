package protect

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Deputation/GreyM/pkg/pe"
)

const pageSize4k = 1 << 12

// relocationBlockBuffer serializes one base-relocation block: header plus
// entries, already padded to an even count by the caller.
func relocationBlockBuffer(virtualAddress uint32, relocations []pe.BASE_RELOCATION_ENTRY) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, pe.IMAGE_BASE_RELOCATION{
		VirtualAddress: virtualAddress,
		SizeOfBlock:    uint32(pe.SizeOfBaseRelocation + len(relocations)*2),
	})
	_ = binary.Write(&buf, binary.LittleEndian, relocations)
	return buf.Bytes()
}

// appendRelocationBlock pads the entry list to a 32-bit boundary with one
// ABSOLUTE entry when needed, appends the block to .reloc, grows the
// base-relocation directory and returns the section offset of the block
// header.
func appendRelocationBlock(blockVirtualAddress uint32, relocations []pe.BASE_RELOCATION_ENTRY,
	nt *pe.IMAGE_NT_HEADERS, relocSection *pe.Section) uint32 {
	if len(relocations)%2 != 0 {
		relocations = append(relocations, pe.MakeRelocationEntry(pe.IMAGE_REL_BASED_ABSOLUTE, 0))
	}

	blockBytes := relocationBlockBuffer(blockVirtualAddress, relocations)

	destOffset := relocSection.AppendCode(blockBytes,
		nt.OptionalHeader.SectionAlignment, nt.OptionalHeader.FileAlignment)

	nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC].Size += uint32(len(blockBytes))

	return destOffset
}

// addRelocations appends relocation blocks covering the given sorted
// section offsets, grouped in 4K pages. Every flushed block header gets its
// own fixup so the VirtualAddress field can be rebased onto the target
// section once its VA is known.
func addRelocations(desc Fixup, sectionOffsets []uint32,
	nt *pe.IMAGE_NT_HEADERS, relocSection *pe.Section, fixups *[]Fixup) error {
	if len(sectionOffsets) == 0 {
		return nil
	}

	if relocSection.Name() != ".reloc" {
		return errors.Errorf("relocations must be appended to .reloc, not %s", relocSection.Name())
	}

	blockVirtualAddress := pe.AlignDown(sectionOffsets[0], pageSize4k)

	// Drop the file-alignment padding so new blocks continue the directory.
	relocSection.Truncate(nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC].Size)

	relocType := uint16(pe.RelocTypeNative)
	var entries []pe.BASE_RELOCATION_ENTRY

	for _, offset := range sectionOffsets {
		delta := offset - blockVirtualAddress

		if delta >= pageSize4k {
			desc.Offset = appendRelocationBlock(blockVirtualAddress, entries, nt, relocSection)
			*fixups = append(*fixups, desc)

			entries = entries[:0]
			blockVirtualAddress = pe.AlignDown(offset, pageSize4k)
			delta = offset - blockVirtualAddress
		}

		entries = append(entries, pe.MakeRelocationEntry(relocType, uint16(delta)))
	}

	if len(entries) > 0 {
		desc.Offset = appendRelocationBlock(blockVirtualAddress, entries, nt, relocSection)
		*fixups = append(*fixups, desc)
	}

	return nil
}

func addVmSectionRelocations(nt *pe.IMAGE_NT_HEADERS, relocSection *pe.Section, fc *fixupContext) error {
	return addRelocations(Fixup{
		Origin:    OriginRelocSection,
		Operation: AddVmLoaderSectionVirtualAddress,
		Width:     4,
	}, fc.vmSectionRelocOffsets, nt, relocSection, &fc.fixups)
}

func addVirtualizedCodeSectionRelocations(nt *pe.IMAGE_NT_HEADERS, relocSection *pe.Section, fc *fixupContext) error {
	return addRelocations(Fixup{
		Origin:    OriginRelocSection,
		Operation: AddVirtualizedCodeSectionVirtualAddress,
		Width:     pe.WordSize,
	}, fc.virtualizedCodeRelocOffsets, nt, relocSection, &fc.fixups)
}

// removeRelocations rewrites the named entries of the source image as
// ABSOLUTE padding. The entries belong to instructions that were
// virtualized; their pointers are rebased by the interpreter instead.
func removeRelocations(rvasToRemove []uint64, p *pe.PortableExecutable) error {
	for _, target := range rvasToRemove {
		err := p.EachRelocation(func(e *pe.RelocationEntry) {
			if e.Rva() == target {
				e.Type = pe.IMAGE_REL_BASED_ABSOLUTE
				e.Offset = 0
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// relocationsWithinSectionAsOffsets lists every relocated rva inside the
// section as a section offset, skipping ABSOLUTE padding.
func relocationsWithinSectionAsOffsets(p *pe.PortableExecutable, section *pe.IMAGE_SECTION_HEADER) ([]uint32, error) {
	var offsets []uint32
	err := p.EachRelocation(func(e *pe.RelocationEntry) {
		if e.Type == pe.IMAGE_REL_BASED_ABSOLUTE {
			return
		}
		if pe.IsRvaWithinSection(section, e.Rva()) {
			offsets = append(offsets, pe.RvaToSectionOffset(section, e.Rva()))
		}
	})
	return offsets, err
}

// relocationRvas returns every non-padding relocation rva, for sorted
// binary-search lookup while virtualizing.
func relocationRvas(p *pe.PortableExecutable) ([]uint64, error) {
	var rvas []uint64
	err := p.EachRelocation(func(e *pe.RelocationEntry) {
		if e.Type != pe.IMAGE_REL_BASED_ABSOLUTE {
			rvas = append(rvas, e.Rva())
		}
	})
	return rvas, err
}
