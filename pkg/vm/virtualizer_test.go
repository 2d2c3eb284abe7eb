//go:build !greym32

package vm

import (
	"crypto/rc4"
	"encoding/binary"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/Deputation/GreyM/pkg/disasm"
)

func movRaxImm() *disasm.Instruction {
	return &disasm.Instruction{
		Address: 0x1000,
		Size:    10,
		Op:      x86asm.MOV,
		Operands: []disasm.Operand{
			{Kind: disasm.OperandReg, Reg: x86asm.RAX},
			{Kind: disasm.OperandImm, Imm: 0x1122334455667788},
		},
	}
}

func TestOpcodeClassification(t *testing.T) {
	if op := OpcodeFor(movRaxImm()); op != OpMovRegImm {
		t.Fatalf("mov reg, imm = %d, want OpMovRegImm", op)
	}

	push := &disasm.Instruction{
		Address: 0x1000, Size: 5, Op: x86asm.PUSH,
		Operands: []disasm.Operand{{Kind: disasm.OperandImm, Imm: 0x44332211}},
	}
	if op := OpcodeFor(push); op != OpPushImm {
		t.Fatalf("push imm = %d, want OpPushImm", op)
	}

	ret := &disasm.Instruction{Address: 0x1000, Size: 1, Op: x86asm.RET}
	if op := OpcodeFor(ret); op != OpInvalid {
		t.Fatalf("ret = %d, want OpInvalid", op)
	}
}

func TestIsVirtualizableRejectsShortInstructions(t *testing.T) {
	pushReg := &disasm.Instruction{
		Address: 0x1000, Size: 1, Op: x86asm.PUSH,
		Operands: []disasm.Operand{{Kind: disasm.OperandReg, Reg: x86asm.RAX}},
	}
	if op := OpcodeFor(pushReg); op != OpPushReg {
		t.Fatalf("push reg = %d, want OpPushReg", op)
	}
	if IsVirtualizable(pushReg, OpPushReg) {
		t.Fatal("a 1-byte push cannot host the 5-byte patch jump")
	}

	ins := movRaxImm()
	if !IsVirtualizable(ins, OpMovRegImm) {
		t.Fatal("10-byte mov must be virtualizable")
	}
}

func TestCreateVirtualizedCodeRoundTrip(t *testing.T) {
	ins := movRaxImm()
	const key = 123456

	blob, err := CreateVirtualizedCode(ins, OpMovRegImm, key, []uint64{0x1002})
	if err != nil {
		t.Fatalf("CreateVirtualizedCode: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("empty VM code for a virtualizable instruction")
	}

	var keyBytes [4]byte
	binary.LittleEndian.PutUint32(keyBytes[:], key)
	cipher, _ := rc4.NewCipher(keyBytes[:])
	plain := make([]byte, len(blob))
	cipher.XORKeyStream(plain, blob)

	if got := binary.LittleEndian.Uint32(plain); got != uint32(OpMovRegImm) {
		t.Fatalf("decrypted opcode = %d, want %d", got, OpMovRegImm)
	}
	if plain[4] != byte(ins.Size) {
		t.Fatalf("decrypted size = %d, want %d", plain[4], ins.Size)
	}
}

func TestShellcodeTemplateLayout(t *testing.T) {
	s := LoaderShellcode(movRaxImm(), OpMovRegImm, 0x140000000)

	for _, name := range []string{VmCodeAddr, OrigAddr, VmCoreFunction, ImageBase, VmOpcodeEncryptionKey} {
		if _, err := s.OffsetOf(name); err != nil {
			t.Fatalf("missing patch site %s: %v", name, err)
		}
	}

	buf := s.Bytes()

	coreOff, _ := s.OffsetOf(VmCoreFunction)
	if buf[coreOff-1] != 0xE8 {
		t.Fatalf("byte before VmCoreFunction = 0x%02x, want E8", buf[coreOff-1])
	}

	origOff, _ := s.OffsetOf(OrigAddr)
	if buf[origOff-1] != 0xE9 {
		t.Fatalf("byte before OrigAddr = 0x%02x, want E9", buf[origOff-1])
	}

	baseOff, _ := s.OffsetOf(ImageBase)
	if got := binary.LittleEndian.Uint64(buf[baseOff:]); got != 0x140000000 {
		t.Fatalf("baked image base = 0x%x", got)
	}
}

func TestShellcodePatch(t *testing.T) {
	s := LoaderShellcode(movRaxImm(), OpMovRegImm, 0x140000000)

	if err := s.PatchU32(VmOpcodeEncryptionKey, 0xCAFEBABE); err != nil {
		t.Fatalf("PatchU32: %v", err)
	}
	off, _ := s.OffsetOf(VmOpcodeEncryptionKey)
	if got := binary.LittleEndian.Uint32(s.Bytes()[off:]); got != 0xCAFEBABE {
		t.Fatalf("patched value = 0x%x", got)
	}

	if err := s.PatchU32("NoSuchVariable", 1); err == nil {
		t.Fatal("patching an unknown variable must fail")
	}
}
