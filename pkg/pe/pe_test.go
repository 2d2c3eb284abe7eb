package pe_test

import (
	"encoding/binary"
	"testing"

	"github.com/Deputation/GreyM/pkg/pe"
	"github.com/Deputation/GreyM/pkg/pe/petest"
)

func buildFixture(t *testing.T, relocRvas []uint64) *pe.PortableExecutable {
	t.Helper()

	text := make([]byte, 0x40)
	text[0] = 0xC3

	data := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(data, 0x140001000)

	p, err := petest.Build(petest.Image{
		ImageBase:  0x140000000,
		EntryPoint: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: text,
				Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
			{Name: ".data", VirtualAddress: 0x2000, Data: data,
				Characteristics: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE},
			{Name: ".reloc", VirtualAddress: 0x3000,
				Characteristics: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ},
		},
		RelocRvas: relocRvas,
	})
	if err != nil {
		t.Fatalf("petest.Build: %v", err)
	}
	return p
}

func TestRvaToFileOffset(t *testing.T) {
	p := buildFixture(t, []uint64{0x2000})

	off, err := p.RvaToFileOffset(0x2000)
	if err != nil {
		t.Fatalf("RvaToFileOffset: %v", err)
	}

	dataSection, ok := p.SectionFromName(".data")
	if !ok {
		t.Fatal(".data not found")
	}
	if off != dataSection.PointerToRawData {
		t.Fatalf("offset = 0x%x, want 0x%x", off, dataSection.PointerToRawData)
	}

	if _, err := p.RvaToFileOffset(0x9000); err == nil {
		t.Fatal("rva outside all sections must fail")
	}
}

func TestEachRelocationWalkAndRewrite(t *testing.T) {
	p := buildFixture(t, []uint64{0x2000})

	var seen []uint64
	err := p.EachRelocation(func(e *pe.RelocationEntry) {
		seen = append(seen, e.Rva())
	})
	if err != nil {
		t.Fatalf("EachRelocation: %v", err)
	}
	// one real entry plus one ABSOLUTE pad
	if len(seen) != 2 || seen[0] != 0x2000 {
		t.Fatalf("walked rvas = %#v", seen)
	}

	err = p.EachRelocation(func(e *pe.RelocationEntry) {
		if e.Rva() == 0x2000 {
			e.Type = pe.IMAGE_REL_BASED_ABSOLUTE
			e.Offset = 0
		}
	})
	if err != nil {
		t.Fatalf("EachRelocation rewrite: %v", err)
	}

	count := 0
	_ = p.EachRelocation(func(e *pe.RelocationEntry) {
		if e.Type != pe.IMAGE_REL_BASED_ABSOLUTE {
			count++
		}
	})
	if count != 0 {
		t.Fatalf("%d live entries remain after rewrite", count)
	}
}

func TestRelocateShiftsPointers(t *testing.T) {
	p := buildFixture(t, []uint64{0x2000})

	off, _ := p.RvaToFileOffset(0x2000)
	before := binary.LittleEndian.Uint64(p.Data()[off:])

	if err := p.Relocate(0x1000); err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	after := binary.LittleEndian.Uint64(p.Data()[off:])
	if after != before+0x1000 {
		t.Fatalf("pointer = 0x%x, want 0x%x", after, before+0x1000)
	}
}

func TestBuildAppendsSectionsWithFreshVas(t *testing.T) {
	p := buildFixture(t, []uint64{0x2000})

	sections := p.CopySectionsDeep()

	extra := pe.NewEmptySection(".vmldr",
		pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_DISCARDABLE)
	extra.AppendCode(make([]byte, 0x123), petest.SectionAlignment, petest.FileAlignment)
	sections = append(sections, extra)

	built, err := pe.Build(p.CopyHeaderData(), sections)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	nt, err := built.NtHeaders()
	if err != nil {
		t.Fatalf("NtHeaders: %v", err)
	}
	if int(nt.FileHeader.NumberOfSections) != len(sections) {
		t.Fatalf("NumberOfSections = %d, want %d", nt.FileHeader.NumberOfSections, len(sections))
	}

	vmldr, ok := built.SectionFromName(".vmldr")
	if !ok {
		t.Fatal(".vmldr missing from built image")
	}
	reloc, _ := built.SectionFromName(".reloc")
	if vmldr.VirtualAddress <= reloc.VirtualAddress {
		t.Fatalf("appended section VA 0x%x not after .reloc VA 0x%x",
			vmldr.VirtualAddress, reloc.VirtualAddress)
	}
	if vmldr.VirtualAddress%petest.SectionAlignment != 0 {
		t.Fatalf("appended section VA 0x%x not aligned", vmldr.VirtualAddress)
	}
	if nt.OptionalHeader.SizeOfImage < vmldr.VirtualAddress+0x123 {
		t.Fatalf("SizeOfImage 0x%x does not cover appended section", nt.OptionalHeader.SizeOfImage)
	}
}

func TestExportsRoundTrip(t *testing.T) {
	p, err := petest.Build(petest.Image{
		ImageBase:  0x140000000,
		EntryPoint: 0x1000,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: []byte{0xC3, 0xC3},
				Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
			{Name: ".edata", VirtualAddress: 0x2000,
				Characteristics: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ},
		},
		Exports: []petest.Export{
			{Name: "VmInterpreter", Rva: 0x1000},
			{Name: "TlsCallback", Rva: 0x1001},
		},
	})
	if err != nil {
		t.Fatalf("petest.Build: %v", err)
	}

	exports, err := p.Exports()
	if err != nil {
		t.Fatalf("Exports: %v", err)
	}

	byName := map[string]uint32{}
	for _, e := range exports {
		byName[e.Name] = e.Rva
	}
	if byName["VmInterpreter"] != 0x1000 || byName["TlsCallback"] != 0x1001 {
		t.Fatalf("exports = %#v", exports)
	}
}
