package protect

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Deputation/GreyM/pkg/pe"
)

func putWord(b []byte, v uint64) {
	if pe.Is64Bit {
		binary.LittleEndian.PutUint64(b, v)
	} else {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

func readWord(b []byte) uint64 {
	if pe.Is64Bit {
		return binary.LittleEndian.Uint64(b)
	}
	return uint64(binary.LittleEndian.Uint32(b))
}

// copyTlsCallbackList reads the existing callback addresses (stored as
// preferred-base VAs) until the zero terminator.
func copyTlsCallbackList(p *pe.PortableExecutable, addressOfCallBacks uint64, imageBase uint64) ([]uint64, error) {
	if addressOfCallBacks == 0 {
		return nil, nil
	}

	start, err := p.RvaToFileOffset(addressOfCallBacks - imageBase)
	if err != nil {
		return nil, errors.Wrap(err, "locating TLS callback list")
	}

	data := p.Data()
	var list []uint64
	for i := 0; ; i++ {
		addr := readWord(data[int(start)+i*pe.WordSize:])
		if addr == 0 {
			break
		}
		list = append(list, addr)
	}
	return list, nil
}

// serializeCallbackList renders the VA list in wire format.
func serializeCallbackList(list []uint64) []byte {
	out := make([]byte, len(list)*pe.WordSize)
	for i, v := range list {
		putWord(out[i*pe.WordSize:], v)
	}
	return out
}

// addTlsCallbacks makes sure the output boots the interpreter before user
// code: the interpreter's TlsCallback lands in the callback list, stored in
// the virtualized-code section. When the input already has a TLS directory
// its callback list is copied there, extended, and the directory's
// AddressOfCallBacks is pointed at the copy; otherwise a fresh directory is
// appended alongside an AddressOfIndex slot.
//
// tlsCallbackOffset is the export's offset relative to the interpreter's VM
// function section, which becomes the VM loader section of the output.
func addTlsCallbacks(original *pe.PortableExecutable, ctx *protectorContext, tlsCallbackOffset uint32) error {
	nt, err := original.NtHeaders()
	if err != nil {
		return err
	}

	imageBase := uint64(nt.OptionalHeader.ImageBase)
	sectionAlignment := nt.OptionalHeader.SectionAlignment
	fileAlignment := nt.OptionalHeader.FileAlignment

	tlsDir := nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_TLS]

	appendCallbackList := func(list []uint64) (listOffset uint32, myIndex int) {
		myIndex = len(list)
		list = append(list, imageBase+uint64(tlsCallbackOffset))
		// spare slots for callbacks added after protection
		list = append(list, 0, 0, 0, 0, 0)

		listOffset = ctx.virtualizedCodeSection.AppendCode(
			serializeCallbackList(list), sectionAlignment, fileAlignment)

		for i, v := range list {
			if v != 0 {
				ctx.fixupContext.virtualizedCodeRelocOffsets = append(
					ctx.fixupContext.virtualizedCodeRelocOffsets,
					listOffset+uint32(i*pe.WordSize))
			}
		}

		ctx.fixupContext.fixups = append(ctx.fixupContext.fixups, Fixup{
			Offset:    listOffset + uint32(myIndex*pe.WordSize),
			Origin:    OriginVirtualizedCodeSection,
			Operation: AddVmLoaderSectionVirtualAddress,
			Width:     pe.WordSize,
		})
		return listOffset, myIndex
	}

	if tlsDir.Size != 0 {
		if tlsDir.Size != pe.SizeOfTlsDirectory {
			return errors.Errorf("TLS directory size %d, expected %d", tlsDir.Size, pe.SizeOfTlsDirectory)
		}

		tlsDirFileOffset, err := original.RvaToFileOffset(uint64(tlsDir.VirtualAddress))
		if err != nil {
			return errors.Wrap(err, "locating TLS directory")
		}

		data := original.Data()
		addressOfCallBacks := readWord(data[tlsDirFileOffset+pe.TlsAddressOfCallBacksOffset:])

		list, err := copyTlsCallbackList(original, addressOfCallBacks, imageBase)
		if err != nil {
			return err
		}

		listOffset, _ := appendCallbackList(list)

		putWord(data[tlsDirFileOffset+pe.TlsAddressOfCallBacksOffset:], imageBase+uint64(listOffset))

		ctx.fixupContext.fixups = append(ctx.fixupContext.fixups, Fixup{
			Offset:    tlsDirFileOffset + pe.TlsAddressOfCallBacksOffset,
			Origin:    OriginBeginning,
			Operation: AddVirtualizedCodeSectionVirtualAddress,
			Width:     pe.WordSize,
		})
		return nil
	}

	// No TLS directory: build one inside the virtualized-code section.

	indexDataOffset := ctx.virtualizedCodeSection.AppendCode(
		make([]byte, pe.WordSize), sectionAlignment, fileAlignment)

	listOffset, _ := appendCallbackList(nil)

	var tls pe.IMAGE_TLS_DIRECTORY
	tls.AddressOfIndex = wordField(imageBase + uint64(indexDataOffset))
	tls.AddressOfCallBacks = wordField(imageBase + uint64(listOffset))
	tls.Characteristics = pe.IMAGE_SCN_ALIGN_1BYTES

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &tls)
	tlsDirectoryOffset := ctx.virtualizedCodeSection.AppendCode(
		buf.Bytes(), sectionAlignment, fileAlignment)

	for _, fieldOffset := range []uint32{pe.TlsAddressOfIndexOffset, pe.TlsAddressOfCallBacksOffset} {
		ctx.fixupContext.fixups = append(ctx.fixupContext.fixups, Fixup{
			Offset:    tlsDirectoryOffset + fieldOffset,
			Origin:    OriginVirtualizedCodeSection,
			Operation: AddVirtualizedCodeSectionVirtualAddress,
			Width:     pe.WordSize,
		})
		ctx.fixupContext.virtualizedCodeRelocOffsets = append(
			ctx.fixupContext.virtualizedCodeRelocOffsets,
			tlsDirectoryOffset+fieldOffset)
	}

	nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_TLS] = pe.IMAGE_DATA_DIRECTORY{
		VirtualAddress: tlsDirectoryOffset,
		Size:           pe.SizeOfTlsDirectory,
	}
	original.SetNtHeaders(nt)

	ctx.fixupContext.fixups = append(ctx.fixupContext.fixups, Fixup{
		Offset:    original.DataDirectoryFileOffset(pe.IMAGE_DIRECTORY_ENTRY_TLS),
		Origin:    OriginBeginning,
		Operation: AddVirtualizedCodeSectionVirtualAddress,
		Width:     4,
	})

	return nil
}
