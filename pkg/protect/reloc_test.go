//go:build !greym32

package protect

import (
	"encoding/binary"
	"testing"

	"github.com/Deputation/GreyM/pkg/pe"
)

func parseRelocBlocks(t *testing.T, data []byte) []struct {
	Va      uint32
	Entries []pe.BASE_RELOCATION_ENTRY
} {
	t.Helper()

	var blocks []struct {
		Va      uint32
		Entries []pe.BASE_RELOCATION_ENTRY
	}
	for off := 0; off < len(data); {
		va := binary.LittleEndian.Uint32(data[off:])
		size := binary.LittleEndian.Uint32(data[off+4:])
		if size < pe.SizeOfBaseRelocation {
			t.Fatalf("bad block size %d at offset %d", size, off)
		}
		n := int(size-pe.SizeOfBaseRelocation) / 2
		var entries []pe.BASE_RELOCATION_ENTRY
		for i := 0; i < n; i++ {
			entries = append(entries, pe.BASE_RELOCATION_ENTRY{
				OffsetType: binary.LittleEndian.Uint16(data[off+8+2*i:]),
			})
		}
		blocks = append(blocks, struct {
			Va      uint32
			Entries []pe.BASE_RELOCATION_ENTRY
		}{va, entries})
		off += int(size)
	}
	return blocks
}

// S4: offsets [0x100, 0x500, 0x1010] split into a block at VA 0 and a block
// at VA 0x1000; the odd-count block gets one ABSOLUTE pad.
func TestAddRelocationsBlockBoundary(t *testing.T) {
	var nt pe.IMAGE_NT_HEADERS
	nt.OptionalHeader.SectionAlignment = 0x1000
	nt.OptionalHeader.FileAlignment = 0x200

	relocSection := pe.NewEmptySection(".reloc",
		pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ)

	fc := &fixupContext{vmSectionRelocOffsets: []uint32{0x100, 0x500, 0x1010}}

	if err := addVmSectionRelocations(&nt, &relocSection, fc); err != nil {
		t.Fatalf("addVmSectionRelocations: %v", err)
	}

	blocks := parseRelocBlocks(t, relocSection.Data)
	if len(blocks) != 2 {
		t.Fatalf("%d blocks, want 2", len(blocks))
	}

	if blocks[0].Va != 0 {
		t.Fatalf("block 1 VA = 0x%x, want 0", blocks[0].Va)
	}
	if len(blocks[0].Entries) != 2 ||
		blocks[0].Entries[0].Offset() != 0x100 ||
		blocks[0].Entries[1].Offset() != 0x500 {
		t.Fatalf("block 1 entries = %+v", blocks[0].Entries)
	}

	if blocks[1].Va != 0x1000 {
		t.Fatalf("block 2 VA = 0x%x, want 0x1000", blocks[1].Va)
	}
	if len(blocks[1].Entries) != 2 ||
		blocks[1].Entries[0].Offset() != 0x10 ||
		blocks[1].Entries[1].Type() != pe.IMAGE_REL_BASED_ABSOLUTE {
		t.Fatalf("block 2 entries = %+v", blocks[1].Entries)
	}

	for _, b := range blocks {
		if len(b.Entries)%2 != 0 {
			t.Fatalf("odd entry count in block at VA 0x%x", b.Va)
		}
		for _, e := range b.Entries {
			if e.Type() != pe.IMAGE_REL_BASED_ABSOLUTE && e.Type() != pe.RelocTypeNative {
				t.Fatalf("unexpected entry type %d", e.Type())
			}
		}
	}

	if got := nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC].Size; got != uint32(len(relocSection.Data)) {
		t.Fatalf("directory size %d, data length %d", got, len(relocSection.Data))
	}

	// one block-header fixup per flushed block
	if len(fc.fixups) != 2 {
		t.Fatalf("%d fixups, want 2", len(fc.fixups))
	}
	if fc.fixups[0].Origin != OriginRelocSection || fc.fixups[0].Offset != 0 {
		t.Fatalf("fixup 1 = %+v", fc.fixups[0])
	}
	if fc.fixups[1].Offset != 12 {
		t.Fatalf("fixup 2 offset = %d, want 12", fc.fixups[1].Offset)
	}
}

func TestAddRelocationsRefusesWrongSection(t *testing.T) {
	var nt pe.IMAGE_NT_HEADERS
	section := pe.NewEmptySection(".data", pe.IMAGE_SCN_MEM_READ)

	fc := &fixupContext{vmSectionRelocOffsets: []uint32{0x10}}
	if err := addVmSectionRelocations(&nt, &section, fc); err == nil {
		t.Fatal("appending relocations outside .reloc must fail")
	}
}

func TestAddRelocationsEmptyIsNoop(t *testing.T) {
	var nt pe.IMAGE_NT_HEADERS
	section := pe.NewEmptySection(".reloc", pe.IMAGE_SCN_MEM_READ)

	fc := &fixupContext{}
	if err := addVmSectionRelocations(&nt, &section, fc); err != nil {
		t.Fatalf("addVmSectionRelocations: %v", err)
	}
	if len(section.Data) != 0 || len(fc.fixups) != 0 {
		t.Fatal("no offsets must append nothing")
	}
}
