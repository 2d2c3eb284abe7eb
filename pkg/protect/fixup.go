package protect

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Deputation/GreyM/pkg/pe"
)

// Section names of the protector's output and of the interpreter image.
const (
	VmFunctionsSectionName = ".vmfun"
	VmLoaderSectionName    = ".vmldr"
	VmCodeSectionName      = ".vmcode"
)

type FixupOperation int

const (
	AddVmLoaderSectionVirtualAddress FixupOperation = iota
	SubtractVmLoaderSectionVirtualAddress
	AddVirtualizedCodeSectionVirtualAddress
)

type OffsetOrigin int

const (
	OriginVmLoaderSection OffsetOrigin = iota
	OriginTextSection
	OriginRelocSection
	OriginVirtualizedCodeSection
	OriginBeginning
)

// Fixup is a deferred in-place patch: once the final section virtual
// addresses are known, the little-endian value in the Width-byte window at
// (Origin, Offset) gets the chosen section VA added or subtracted.
type Fixup struct {
	Offset    uint32
	Origin    OffsetOrigin
	Operation FixupOperation
	Width     uint8
}

// applyFixups resolves every fixup against the assembled image. The text
// section header passed in is the original one; its virtual address is
// unchanged in the output.
func applyFixups(p *pe.PortableExecutable, textHeader *pe.IMAGE_SECTION_HEADER, fixups []Fixup) error {
	vmLoader, ok := p.SectionFromName(VmLoaderSectionName)
	if !ok {
		return errors.Errorf("assembled image lacks %s", VmLoaderSectionName)
	}
	vmCode, ok := p.SectionFromName(VmCodeSectionName)
	if !ok {
		return errors.Errorf("assembled image lacks %s", VmCodeSectionName)
	}
	relocSection, ok := p.SectionFromName(".reloc")
	if !ok {
		return errors.New("assembled image lacks .reloc")
	}

	data := p.Data()

	for _, fixup := range fixups {
		var fileOffset uint32

		switch fixup.Origin {
		case OriginVmLoaderSection, OriginTextSection, OriginRelocSection, OriginVirtualizedCodeSection:
			var h *pe.IMAGE_SECTION_HEADER
			switch fixup.Origin {
			case OriginVmLoaderSection:
				h = vmLoader
			case OriginTextSection:
				h = textHeader
			case OriginRelocSection:
				h = relocSection
			case OriginVirtualizedCodeSection:
				h = vmCode
			}
			rva := pe.SectionOffsetToRva(h, fixup.Offset)
			off, err := p.RvaToFileOffset(rva)
			if err != nil {
				return errors.Wrap(err, "resolving fixup offset")
			}
			fileOffset = off
		case OriginBeginning:
			fileOffset = fixup.Offset
		default:
			return errors.Errorf("unknown fixup origin %d", fixup.Origin)
		}

		var delta int64
		switch fixup.Operation {
		case AddVmLoaderSectionVirtualAddress:
			delta = int64(vmLoader.VirtualAddress)
		case AddVirtualizedCodeSectionVirtualAddress:
			delta = int64(vmCode.VirtualAddress)
		case SubtractVmLoaderSectionVirtualAddress:
			delta = -int64(vmLoader.VirtualAddress)
		default:
			return errors.Errorf("unsupported fixup operation %d", fixup.Operation)
		}

		switch fixup.Width {
		case 4:
			v := binary.LittleEndian.Uint32(data[fileOffset:])
			binary.LittleEndian.PutUint32(data[fileOffset:], uint32(int64(v)+delta))
		case 8:
			v := binary.LittleEndian.Uint64(data[fileOffset:])
			binary.LittleEndian.PutUint64(data[fileOffset:], uint64(int64(v)+delta))
		default:
			return errors.Errorf("unsupported fixup width %d", fixup.Width)
		}
	}

	return nil
}
