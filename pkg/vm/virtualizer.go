/*
package vm compiles single instructions into encrypted micro-op records and
produces the per-instruction loader shellcode that hands them to the
embedded interpreter. Consumers treat the encrypted buffers as opaque.
*/
package vm

import (
	"crypto/rc4"
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/Deputation/GreyM/pkg/disasm"
)

// OpCode identifies the micro-op family an instruction compiles to.
type OpCode uint32

const (
	OpInvalid OpCode = iota
	OpPushImm
	OpPushReg
	OpMovRegImm
)

// The smallest instruction that can host the 5-byte jump into the loader.
const minPatchSize = 5

// OpcodeFor classifies an instruction, returning OpInvalid when no micro-op
// family covers it.
func OpcodeFor(ins *disasm.Instruction) OpCode {
	switch ins.Op {
	case x86asm.PUSH:
		if len(ins.Operands) != 1 {
			return OpInvalid
		}
		switch ins.Operands[0].Kind {
		case disasm.OperandImm:
			return OpPushImm
		case disasm.OperandReg:
			return OpPushReg
		}
	case x86asm.MOV:
		if len(ins.Operands) == 2 &&
			ins.Operands[0].Kind == disasm.OperandReg &&
			ins.Operands[1].Kind == disasm.OperandImm {
			return OpMovRegImm
		}
	}
	return OpInvalid
}

// IsVirtualizable reports whether the instruction can be replaced by a jump
// into the loader section. Instructions shorter than the patch jump stay in
// place.
func IsVirtualizable(ins *disasm.Instruction, op OpCode) bool {
	if op == OpInvalid {
		return false
	}
	return ins.Size >= minPatchSize
}

// CreateVirtualizedCode serializes the instruction into a micro-op record
// and encrypts it with the per-instruction key. The record layout is an
// interpreter-private contract; callers only append the bytes to the
// virtualized-code section.
func CreateVirtualizedCode(ins *disasm.Instruction, op OpCode, key uint32, relocRvas []uint64) ([]byte, error) {
	if !IsVirtualizable(ins, op) {
		return nil, nil
	}

	record := make([]byte, 0, 64)

	var u32 [4]byte
	var u64 [8]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		record = append(record, u32[:]...)
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(u64[:], v)
		record = append(record, u64[:]...)
	}

	putU32(uint32(op))
	record = append(record, byte(ins.Size), byte(len(ins.Operands)))

	for i := range ins.Operands {
		o := &ins.Operands[i]
		record = append(record, byte(o.Kind))
		switch o.Kind {
		case disasm.OperandReg:
			record = append(record, byte(o.Reg))
			putU64(0)
		case disasm.OperandImm:
			record = append(record, 0)
			putU64(uint64(o.Imm))
		case disasm.OperandMem:
			record = append(record, byte(o.Mem.Base))
			putU64(uint64(o.Mem.Disp))
		}
	}

	// Offsets of relocated bytes within the instruction, so the
	// interpreter can rebase immediate values itself.
	record = append(record, byte(len(relocRvas)))
	for _, rva := range relocRvas {
		record = append(record, byte(rva-ins.Address))
	}

	var keyBytes [4]byte
	binary.LittleEndian.PutUint32(keyBytes[:], key)
	cipher, err := rc4.NewCipher(keyBytes[:])
	if err != nil {
		return nil, err
	}

	encrypted := make([]byte, len(record))
	cipher.XORKeyStream(encrypted, record)

	return encrypted, nil
}

// LoaderShellcode builds the loader stub for one virtualized instruction.
// The returned shellcode has unpatched VmCodeAddr, OrigAddr, VmCoreFunction
// and VmOpcodeEncryptionKey sites; ImageBase is pre-filled and relies on a
// base relocation at load time.
func LoaderShellcode(ins *disasm.Instruction, op OpCode, imageBase uint64) *Shellcode {
	_ = ins
	_ = op
	return buildLoaderTemplate(imageBase)
}
