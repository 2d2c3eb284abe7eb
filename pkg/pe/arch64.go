//go:build !greym32

package pe

// Bitness is a build-time choice. The default build protects x86-64 images;
// building with -tags greym32 produces the x86 protector instead.
const (
	Is64Bit  = true
	WordSize = 8

	// Number of bits passed to the instruction decoder.
	DecodeBits = 64

	MachineExpected     = IMAGE_FILE_MACHINE_AMD64
	OptionalHeaderMagic = IMAGE_NT_OPTIONAL_HDR64_MAGIC

	RelocTypeNative = IMAGE_REL_BASED_DIR64

	// Offset of the DataDirectory array within the optional header.
	dataDirectoryOffset = 112

	SizeOfTlsDirectory = 40
	// Field offsets within IMAGE_TLS_DIRECTORY64.
	TlsAddressOfIndexOffset     = 16
	TlsAddressOfCallBacksOffset = 24
)

type IMAGE_OPTIONAL_HEADER = IMAGE_OPTIONAL_HEADER64
type IMAGE_NT_HEADERS = IMAGE_NT_HEADERS64
type IMAGE_TLS_DIRECTORY = IMAGE_TLS_DIRECTORY64
