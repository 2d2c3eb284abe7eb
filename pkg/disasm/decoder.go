/*
package disasm discovers reachable instructions in a PE .text section by
recursive descent from the entry point. Decoding is backed by x86asm; the
engine walks control flow, classifies jump tables as data and validates
indirect targets with function-prologue heuristics.
*/
package disasm

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/Deputation/GreyM/pkg/pe"
)

// ErrDecode marks bytes the decoder could not turn into an instruction.
var ErrDecode = errors.New("undecodable instruction")

type OperandKind int

const (
	OperandReg OperandKind = iota + 1
	OperandImm
	OperandMem
)

type MemOperand struct {
	Segment x86asm.Reg
	Base    x86asm.Reg
	Index   x86asm.Reg
	Scale   uint8
	Disp    int64
}

type Operand struct {
	Kind OperandKind
	Reg  x86asm.Reg
	Imm  int64
	Mem  MemOperand
}

// Instruction is the neutral decoded record. Relative branch targets are
// folded into absolute form: an IMM operand of a call or jump holds the
// target in the same address space as Address.
type Instruction struct {
	Address  uint64
	Size     int
	Op       x86asm.Op
	Operands []Operand

	// Eflags is the mask of arithmetic flags the instruction writes.
	Eflags uint64
}

// Flag bits, matching the EFLAGS register layout.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11

	flagsArith = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
	flagsLogic = FlagCF | FlagPF | FlagZF | FlagSF | FlagOF
	flagsShift = FlagCF | FlagPF | FlagZF | FlagSF | FlagOF
)

// writtenFlags maps each op to the flags it modifies. Ops absent from the
// table are reported as writing no flags; the table does not list every
// flag-writing op (SHLD, SHRD, POPF and SAHF, for instance, are absent).
var writtenFlags = map[x86asm.Op]uint64{
	x86asm.ADD:     flagsArith,
	x86asm.ADC:     flagsArith,
	x86asm.SUB:     flagsArith,
	x86asm.SBB:     flagsArith,
	x86asm.CMP:     flagsArith,
	x86asm.NEG:     flagsArith,
	x86asm.XADD:    flagsArith,
	x86asm.CMPXCHG: flagsArith,
	x86asm.INC:     FlagPF | FlagAF | FlagZF | FlagSF | FlagOF,
	x86asm.DEC:     FlagPF | FlagAF | FlagZF | FlagSF | FlagOF,
	x86asm.AND:     flagsLogic,
	x86asm.OR:      flagsLogic,
	x86asm.XOR:     flagsLogic,
	x86asm.TEST:    flagsLogic,
	x86asm.SHL:     flagsShift,
	x86asm.SHR:     flagsShift,
	x86asm.SAR:     flagsShift,
	x86asm.ROL:     FlagCF | FlagOF,
	x86asm.ROR:     FlagCF | FlagOF,
	x86asm.RCL:     FlagCF | FlagOF,
	x86asm.RCR:     FlagCF | FlagOF,
	x86asm.MUL:     FlagCF | FlagOF,
	x86asm.IMUL:    FlagCF | FlagOF,
	x86asm.DIV:     flagsArith,
	x86asm.IDIV:    flagsArith,
	x86asm.BT:      FlagCF,
	x86asm.BTC:     FlagCF,
	x86asm.BTR:     FlagCF,
	x86asm.BTS:     FlagCF,
	x86asm.BSF:     FlagZF,
	x86asm.BSR:     FlagZF,
	x86asm.CLC:     FlagCF,
	x86asm.STC:     FlagCF,
	x86asm.CMC:     FlagCF,
	x86asm.CLD:     FlagDF,
	x86asm.STD:     FlagDF,
	x86asm.SCASB:   flagsArith,
	x86asm.SCASW:   flagsArith,
	x86asm.SCASD:   flagsArith,
	x86asm.SCASQ:   flagsArith,
	x86asm.CMPSB:   flagsArith,
	x86asm.CMPSW:   flagsArith,
	x86asm.CMPSD:   flagsArith,
	x86asm.CMPSQ:   flagsArith,
}

var conditionalJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
}

func (i *Instruction) IsRet() bool {
	switch i.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	}
	return false
}

func (i *Instruction) IsCall() bool {
	return i.Op == x86asm.CALL || i.Op == x86asm.LCALL
}

func (i *Instruction) IsJump() bool {
	return i.IsGuaranteedJump() || conditionalJumps[i.Op]
}

// IsGuaranteedJump reports an unconditional jump (JMP or LJMP, direct or
// indirect): the stream never continues past it.
func (i *Instruction) IsGuaranteedJump() bool {
	return i.Op == x86asm.JMP || i.Op == x86asm.LJMP
}

func (i *Instruction) IsInterrupt() bool {
	return i.Op == x86asm.INT || i.Op == x86asm.INTO
}

// Decoder turns raw bytes into neutral Instruction records. It is created
// once per protection run and is not safe for concurrent use.
type Decoder struct {
	bits int
}

func NewDecoder() *Decoder {
	return &Decoder{bits: pe.DecodeBits}
}

// DecodeOne decodes the instruction at code[0], which lives at the given
// rva. Returns ErrDecode when the bytes do not form a valid instruction.
func (d *Decoder) DecodeOne(code []byte, rva uint64) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, ErrDecode
	}

	inst, err := x86asm.Decode(code, d.bits)
	if err != nil {
		return Instruction{}, ErrDecode
	}

	ins := Instruction{
		Address: rva,
		Size:    inst.Len,
		Op:      inst.Op,
		Eflags:  writtenFlags[inst.Op],
	}

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			ins.Operands = append(ins.Operands, Operand{Kind: OperandReg, Reg: a})
		case x86asm.Imm:
			ins.Operands = append(ins.Operands, Operand{Kind: OperandImm, Imm: int64(a)})
		case x86asm.Rel:
			// fold the relative displacement into an absolute target
			target := int64(rva) + int64(inst.Len) + int64(a)
			ins.Operands = append(ins.Operands, Operand{Kind: OperandImm, Imm: target})
		case x86asm.Mem:
			ins.Operands = append(ins.Operands, Operand{Kind: OperandMem, Mem: MemOperand{
				Segment: a.Segment,
				Base:    a.Base,
				Index:   a.Index,
				Scale:   a.Scale,
				Disp:    a.Disp,
			}})
		}
	}

	return ins, nil
}

// DecodeN decodes up to n consecutive instructions, returning fewer when the
// stream runs out or a decode fails.
func (d *Decoder) DecodeN(code []byte, rva uint64, n int) []Instruction {
	out := make([]Instruction, 0, n)
	for len(out) < n {
		ins, err := d.DecodeOne(code, rva)
		if err != nil {
			break
		}
		code = code[ins.Size:]
		rva += uint64(ins.Size)
		out = append(out, ins)
	}
	return out
}
