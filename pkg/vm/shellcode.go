package vm

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Deputation/GreyM/pkg/pe"
)

// Names of the patch sites inside a loader shellcode.
const (
	VmCodeAddr            = "VmCodeAddr"
	OrigAddr              = "OrigAddr"
	VmCoreFunction        = "VmCoreFunction"
	ImageBase             = "ImageBase"
	VmOpcodeEncryptionKey = "VmOpcodeEncryptionKey"
)

// Shellcode is a byte template with named little-endian patch sites.
type Shellcode struct {
	buf   []byte
	names map[string]int
}

func (s *Shellcode) Bytes() []byte {
	return s.buf
}

func (s *Shellcode) OffsetOf(name string) (uint32, error) {
	off, ok := s.names[name]
	if !ok {
		return 0, errors.Errorf("shellcode has no variable %q", name)
	}
	return uint32(off), nil
}

func (s *Shellcode) PatchU32(name string, v uint32) error {
	off, err := s.OffsetOf(name)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(s.buf[off:], v)
	return nil
}

func (s *Shellcode) PatchU64(name string, v uint64) error {
	off, err := s.OffsetOf(name)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.buf[off:], v)
	return nil
}

// PatchWord writes v with the build's native pointer width.
func (s *Shellcode) PatchWord(name string, v uint64) error {
	if pe.Is64Bit {
		return s.PatchU64(name, v)
	}
	return s.PatchU32(name, uint32(v))
}

func (s *Shellcode) emit(b ...byte) {
	s.buf = append(s.buf, b...)
}

// emitNamed records a named patch site of the given width, filled with
// zeroes until patched.
func (s *Shellcode) emitNamed(name string, width int) {
	s.names[name] = len(s.buf)
	s.buf = append(s.buf, make([]byte, width)...)
}

// buildLoaderTemplate lays down the per-instruction loader stub: save
// machine state, load the VM arguments, call the interpreter core, restore
// and jump back to the instruction after the patched one. The E8/E9 opcodes
// immediately precede the VmCoreFunction and OrigAddr sites; the offset
// arithmetic in the protector depends on that.
func buildLoaderTemplate(imageBase uint64) *Shellcode {
	s := &Shellcode{names: make(map[string]int)}

	if pe.Is64Bit {
		s.emit(0x9C)       // pushfq
		s.emit(0x50)       // push rax
		s.emit(0x51)       // push rcx
		s.emit(0x52)       // push rdx
		s.emit(0x41, 0x50) // push r8
		s.emit(0x41, 0x51) // push r9
		s.emit(0x41, 0x52) // push r10
		s.emit(0x41, 0x53) // push r11

		s.emit(0x48, 0xB9) // mov rcx, imm64
		s.emitNamed(VmCodeAddr, 8)
		s.emit(0x48, 0xBA) // mov rdx, imm64
		s.emitNamed(ImageBase, 8)
		s.emit(0x41, 0xB8) // mov r8d, imm32
		s.emitNamed(VmOpcodeEncryptionKey, 4)

		s.emit(0xE8) // call rel32
		s.emitNamed(VmCoreFunction, 4)

		s.emit(0x41, 0x5B) // pop r11
		s.emit(0x41, 0x5A) // pop r10
		s.emit(0x41, 0x59) // pop r9
		s.emit(0x41, 0x58) // pop r8
		s.emit(0x5A)       // pop rdx
		s.emit(0x59)       // pop rcx
		s.emit(0x58)       // pop rax
		s.emit(0x9D)       // popfq

		s.emit(0xE9) // jmp rel32
		s.emitNamed(OrigAddr, 4)

		_ = s.PatchU64(ImageBase, imageBase)
		return s
	}

	s.emit(0x60) // pushad
	s.emit(0x9C) // pushfd

	s.emit(0x68) // push imm32
	s.emitNamed(VmOpcodeEncryptionKey, 4)
	s.emit(0x68) // push imm32
	s.emitNamed(ImageBase, 4)
	s.emit(0x68) // push imm32
	s.emitNamed(VmCodeAddr, 4)

	s.emit(0xE8) // call rel32
	s.emitNamed(VmCoreFunction, 4)

	s.emit(0x83, 0xC4, 0x0C) // add esp, 0xC
	s.emit(0x9D)             // popfd
	s.emit(0x61)             // popad

	s.emit(0xE9) // jmp rel32
	s.emitNamed(OrigAddr, 4)

	_ = s.PatchU32(ImageBase, uint32(imageBase))
	return s
}
