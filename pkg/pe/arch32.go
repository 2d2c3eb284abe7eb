//go:build greym32

package pe

const (
	Is64Bit  = false
	WordSize = 4

	DecodeBits = 32

	MachineExpected     = IMAGE_FILE_MACHINE_I386
	OptionalHeaderMagic = IMAGE_NT_OPTIONAL_HDR32_MAGIC

	RelocTypeNative = IMAGE_REL_BASED_HIGHLOW

	dataDirectoryOffset = 96

	SizeOfTlsDirectory = 24
	// Field offsets within IMAGE_TLS_DIRECTORY32.
	TlsAddressOfIndexOffset     = 8
	TlsAddressOfCallBacksOffset = 12
)

type IMAGE_OPTIONAL_HEADER = IMAGE_OPTIONAL_HEADER32
type IMAGE_NT_HEADERS = IMAGE_NT_HEADERS32
type IMAGE_TLS_DIRECTORY = IMAGE_TLS_DIRECTORY32
