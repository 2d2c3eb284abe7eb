package disasm

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/Deputation/GreyM/pkg/pe"
)

// DisassemblyPoint is an rva from which linear decoding is known or
// suspected to begin, paired with its index into the borrowed .text slice.
type DisassemblyPoint struct {
	Rva   uint64
	Index int
}

// AddressRange marks a [Begin, End) rva span inside .text that holds data
// rather than code, e.g. a jump table.
type AddressRange struct {
	Begin uint64
	End   uint64
}

// Visitor receives disassembly events. Instruction fires once per decoded
// instruction; InvalidInstruction fires when a stream turns out to decode
// into garbage, naming the previously decoded instruction so the caller can
// roll back whatever it did with it.
type Visitor interface {
	Instruction(ins *Instruction, code []byte)
	InvalidInstruction(rva uint64, size int)
}

type disassemblyAction int

const (
	nextInstruction disassemblyAction = iota
	nextDisassemblyPoint
)

// Engine performs the recursive reachability search over .text. It borrows
// read-only views of the image and holds all per-run state; create one per
// protection run.
type Engine struct {
	pe      *pe.PortableExecutable
	decoder *Decoder

	textHeader *pe.IMAGE_SECTION_HEADER
	imageBase  uint64
	text       []byte

	points     []DisassemblyPoint
	seen       map[uint64]struct{}
	dataRanges []AddressRange

	scanRData bool
}

func NewEngine(p *pe.PortableExecutable, scanRData bool) (*Engine, error) {
	textHeader, ok := p.SectionFromName(".text")
	if !ok {
		return nil, errors.New(".text section not found")
	}

	nt, err := p.NtHeaders()
	if err != nil {
		return nil, err
	}

	data := p.Data()
	text := data[textHeader.PointerToRawData : textHeader.PointerToRawData+textHeader.SizeOfRawData]

	return &Engine{
		pe:         p,
		decoder:    NewDecoder(),
		textHeader: textHeader,
		imageBase:  uint64(nt.OptionalHeader.ImageBase),
		text:       text,
		seen:       make(map[uint64]struct{}),
		scanRData:  scanRData,
	}, nil
}

// DataRanges returns the jump-table spans discovered so far.
func (e *Engine) DataRanges() []AddressRange {
	return e.dataRanges
}

// DisassembleFromEntryPoint seeds the work list with the .rdata
// function-pointer candidates (when enabled) and the PE entry point, then
// drains it, reporting every decoded instruction to the visitor.
func (e *Engine) DisassembleFromEntryPoint(v Visitor) error {
	if e.scanRData {
		e.parseRDataSection()
	}

	nt, err := e.pe.NtHeaders()
	if err != nil {
		return err
	}
	e.addPoint(uint64(nt.OptionalHeader.AddressOfEntryPoint))

	for len(e.points) > 0 {
		point := e.points[len(e.points)-1]
		e.points = e.points[:len(e.points)-1]
		e.runStream(point, v)
	}

	return nil
}

func (e *Engine) runStream(point DisassemblyPoint, v Visitor) {
	rva := point.Rva
	index := point.Index

	var lastIns *Instruction

	for {
		if e.isAddressWithinData(rva) {
			return
		}
		if index < 0 || index >= len(e.text) {
			return
		}

		ins, err := e.decoder.DecodeOne(e.text[index:], rva)
		if err != nil {
			if lastIns != nil {
				logrus.Warnf("rolling back instruction at 0x%08x after decode failure at 0x%08x",
					lastIns.Address, rva)
				v.InvalidInstruction(lastIns.Address, lastIns.Size)
			}
			return
		}

		v.Instruction(&ins, e.text[index:index+ins.Size])

		if e.parseInstruction(&ins, index) == nextDisassemblyPoint {
			return
		}

		index += ins.Size
		rva += uint64(ins.Size)
		lastIns = &ins
	}
}

// parseInstruction decides how the current stream continues and enqueues
// newly discovered disassembly points.
func (e *Engine) parseInstruction(ins *Instruction, index int) disassemblyAction {
	switch {
	case ins.IsRet(), ins.IsInterrupt():
		return nextDisassemblyPoint

	case ins.IsCall(), ins.IsJump():
		if len(ins.Operands) == 1 {
			op := &ins.Operands[0]
			if op.Kind == OperandImm {
				target := uint64(op.Imm)
				if pe.IsRvaWithinSection(e.textHeader, target) {
					e.addPoint(target)
				}
			} else if jtOp, ok := e.isJumpTable(ins, index); ok {
				e.parseJumpTable(jtOp)
				return nextDisassemblyPoint
			}
		} else {
			// indirect far forms and the like end the stream
			return nextDisassemblyPoint
		}

		if ins.IsGuaranteedJump() {
			return nextDisassemblyPoint
		}
		return nextInstruction

	case ins.Op == x86asm.MOV && len(ins.Operands) == 2:
		op1 := &ins.Operands[0]
		op2 := &ins.Operands[1]

		if jtOp, ok := e.isJumpTable(ins, index); ok {
			e.parseJumpTable(jtOp)
			return nextDisassemblyPoint
		}

		if e.isVTableOrFunction(op1, op2) {
			dest := e.operandRva(op2)
			// Targets outside .text are pointers into .rdata or similar,
			// not candidates for disassembly. Only the single function
			// target is followed; a vtable here would need a multi-entry
			// scan that this pass does not attempt.
			if pe.IsRvaWithinSection(e.textHeader, dest) && e.isFunction(dest) {
				e.addPoint(dest)
			}
		}
		return nextInstruction

	case ins.Op == x86asm.PUSH && len(ins.Operands) == 1 &&
		ins.Operands[0].Kind == OperandImm:
		dest := e.operandRva(&ins.Operands[0])
		if pe.IsRvaWithinSection(e.textHeader, dest) && e.isFunction(dest) {
			e.addPoint(dest)
		}
		return nextInstruction
	}

	return nextInstruction
}

// operandRva derives an rva from an IMM or MEM operand. On x86 the stored
// value carries the image base; on x64 displacements and immediates are
// already rvas.
func (e *Engine) operandRva(op *Operand) uint64 {
	var v uint64
	switch op.Kind {
	case OperandImm:
		v = uint64(op.Imm)
	case OperandMem:
		v = uint64(op.Mem.Disp)
	default:
		return 0
	}
	if !pe.Is64Bit {
		v -= e.imageBase
	}
	return v
}

func (e *Engine) isVTableOrFunction(op1, op2 *Operand) bool {
	if op1.Kind != OperandMem || op2.Kind != OperandImm {
		return false
	}
	_, ok := e.pe.SectionFromRva(e.operandRva(op2))
	return ok
}

// isJumpTable applies the per-arch jump-table heuristic and returns the MEM
// operand holding the table displacement.
func (e *Engine) isJumpTable(ins *Instruction, index int) (*Operand, bool) {
	if pe.Is64Bit {
		if len(ins.Operands) == 2 {
			return e.isJumpTableX64(ins, index)
		}
		return nil, false
	}
	if len(ins.Operands) == 1 {
		return e.isJumpTableX86(ins)
	}
	return nil, false
}

// x86 tables are addressed directly: JMP or MOV with a single scaled MEM
// operand whose displacement lands inside .text.
func (e *Engine) isJumpTableX86(ins *Instruction) (*Operand, bool) {
	if !ins.IsGuaranteedJump() && ins.Op != x86asm.MOV {
		return nil, false
	}
	op := &ins.Operands[0]
	if op.Kind != OperandMem || op.Mem.Scale != 4 {
		return nil, false
	}
	if !pe.IsRvaWithinSection(e.textHeader, e.operandRva(op)) {
		return nil, false
	}
	return op, true
}

// x64 tables show up as a three-instruction idiom:
//
//	mov eax, dword ptr [rcx+rax*4+disp]
//	add rax, rcx
//	jmp rax
//
// The two following instructions are decoded out of band so the main
// stream's position is untouched.
func (e *Engine) isJumpTableX64(ins *Instruction, index int) (*Operand, bool) {
	if ins.Op != x86asm.MOV {
		return nil, false
	}
	op1 := &ins.Operands[0]
	op2 := &ins.Operands[1]
	if op1.Kind != OperandReg || op2.Kind != OperandMem || op2.Mem.Scale != 4 {
		return nil, false
	}

	next := e.decoder.DecodeN(e.text[index+ins.Size:], ins.Address+uint64(ins.Size), 2)
	if len(next) != 2 {
		return nil, false
	}

	add := &next[0]
	if add.Op != x86asm.ADD || len(add.Operands) != 2 ||
		add.Operands[0].Kind != OperandReg || add.Operands[1].Kind != OperandReg {
		return nil, false
	}

	jmp := &next[1]
	if !jmp.IsGuaranteedJump() || len(jmp.Operands) != 1 ||
		jmp.Operands[0].Kind != OperandReg ||
		jmp.Operands[0].Reg != add.Operands[0].Reg {
		return nil, false
	}

	return op2, true
}

// parseJumpTable reads 32-bit slots starting at the operand's table rva,
// enqueuing every in-.text target and recording the consumed span as data.
func (e *Engine) parseJumpTable(op *Operand) {
	tableRva := e.operandRva(op)
	if !pe.IsRvaWithinSection(e.textHeader, tableRva) {
		return
	}

	read := 0
	for {
		slot := int(tableRva-uint64(e.textHeader.VirtualAddress)) + read*4
		if slot < 0 || slot+4 > len(e.text) {
			break
		}

		value := binary.LittleEndian.Uint32(e.text[slot:])
		read++

		if value == 0 || value == 0xCCCCCCCC {
			break
		}

		entryRva := uint64(value)
		if !pe.Is64Bit {
			entryRva -= e.imageBase
		}
		if !pe.IsRvaWithinSection(e.textHeader, entryRva) {
			break
		}

		e.addPoint(entryRva)
	}

	if read > 0 {
		e.dataRanges = append(e.dataRanges, AddressRange{
			Begin: tableRva,
			End:   tableRva + uint64(read*4),
		})
	}
}

func (e *Engine) isAddressWithinData(rva uint64) bool {
	for _, r := range e.dataRanges {
		if rva >= r.Begin && rva < r.End {
			return true
		}
	}
	return false
}

// isFunction reports whether the bytes at rva look like a function
// prologue.
func (e *Engine) isFunction(rva uint64) bool {
	if pe.Is64Bit {
		return e.isFunctionX64(rva, 0)
	}
	return e.isFunctionX86(rva, 0)
}

// x86 prologue: optionally MOV EDI, EDI (hotpatch pad), then
// PUSH EBP; MOV EBP, ESP. Direct jumps are followed up to ten deep.
func (e *Engine) isFunctionX86(rva uint64, depth int) bool {
	if depth > 10 {
		return false
	}

	index := int(rva - uint64(e.textHeader.VirtualAddress))
	if index < 0 || index >= len(e.text) {
		return false
	}

	instructions := e.decoder.DecodeN(e.text[index:], rva, 3)
	if len(instructions) != 3 {
		return false
	}

	ins1 := &instructions[0]
	ins2 := &instructions[1]

	if ins1.IsGuaranteedJump() {
		if len(ins1.Operands) != 1 || ins1.Operands[0].Kind != OperandImm {
			return false
		}
		target := uint64(ins1.Operands[0].Imm)
		if !pe.IsRvaWithinSection(e.textHeader, target) {
			return false
		}
		return e.isFunctionX86(target, depth+1)
	}

	if ins1.Op == x86asm.MOV && len(ins1.Operands) == 2 &&
		ins1.Operands[0].Kind == OperandReg && ins1.Operands[0].Reg == x86asm.EDI &&
		ins1.Operands[1].Kind == OperandReg && ins1.Operands[1].Reg == x86asm.EDI {
		ins1 = &instructions[1]
		ins2 = &instructions[2]
	}

	if len(ins1.Operands) != 1 {
		return false
	}
	if ins1.Op != x86asm.PUSH || ins1.Operands[0].Kind != OperandReg ||
		ins1.Operands[0].Reg != x86asm.EBP {
		return false
	}

	if ins2.Op != x86asm.MOV || len(ins2.Operands) != 2 {
		return false
	}
	if ins2.Operands[0].Kind != OperandReg || ins2.Operands[0].Reg != x86asm.EBP ||
		ins2.Operands[1].Kind != OperandReg || ins2.Operands[1].Reg != x86asm.ESP {
		return false
	}

	return true
}

// x64 prologue: a run of MOV [rsp+disp], reg home stores whose expected
// count derives from the first displacement, then SUB RSP, imm within ten
// instructions.
func (e *Engine) isFunctionX64(rva uint64, depth int) bool {
	if depth > 10 {
		return false
	}

	index := int(rva - uint64(e.textHeader.VirtualAddress))
	if index < 0 || index >= len(e.text) {
		return false
	}

	code := e.text[index:]
	addr := rva

	ins, err := e.decoder.DecodeOne(code, addr)
	if err != nil {
		return false
	}

	if ins.IsGuaranteedJump() {
		if len(ins.Operands) != 1 || ins.Operands[0].Kind != OperandImm {
			return false
		}
		target := uint64(ins.Operands[0].Imm)
		if !pe.IsRvaWithinSection(e.textHeader, target) {
			return false
		}
		return e.isFunctionX64(target, depth+1)
	}

	movRspDispReg := func(ins *Instruction) bool {
		if ins.Op != x86asm.MOV || len(ins.Operands) != 2 {
			return false
		}
		op1 := &ins.Operands[0]
		if op1.Kind != OperandMem || op1.Mem.Base != x86asm.RSP || op1.Mem.Disp == 0 {
			return false
		}
		return ins.Operands[1].Kind == OperandReg
	}

	if !movRspDispReg(&ins) {
		return false
	}

	firstDisp := ins.Operands[0].Mem.Disp
	if firstDisp%8 != 0 {
		return false
	}
	expectedMovs := int(firstDisp/8 - 1)

	advance := func() bool {
		code = code[ins.Size:]
		addr += uint64(ins.Size)
		var err error
		ins, err = e.decoder.DecodeOne(code, addr)
		return err == nil
	}

	for i := 0; i < expectedMovs; i++ {
		if !advance() || !movRspDispReg(&ins) {
			return false
		}
	}

	for i := 0; i < 10; i++ {
		if !advance() {
			return false
		}
		if ins.Op == x86asm.SUB && len(ins.Operands) == 2 &&
			ins.Operands[0].Kind == OperandReg && ins.Operands[0].Reg == x86asm.RSP &&
			ins.Operands[1].Kind == OperandImm {
			return true
		}
	}

	return false
}

// parseRDataSection scans .rdata for word-aligned values that, minus the
// image base, point at plausible function prologues inside .text.
func (e *Engine) parseRDataSection() {
	rdata, ok := e.pe.SectionFromName(".rdata")
	if !ok {
		logrus.Debug(".rdata not present, skipping pointer scan")
		return
	}

	data := e.pe.Data()

	for i := uint32(0); i+pe.WordSize <= rdata.SizeOfRawData; i += pe.WordSize {
		off := rdata.PointerToRawData + i

		var value uint64
		if pe.Is64Bit {
			value = binary.LittleEndian.Uint64(data[off:])
		} else {
			value = uint64(binary.LittleEndian.Uint32(data[off:]))
		}
		if value == 0 {
			continue
		}

		rva := value - e.imageBase
		if !pe.IsRvaWithinSection(e.textHeader, rva) {
			continue
		}
		if e.isFunction(rva) {
			e.addPoint(rva)
		}
	}
}

// addPoint enqueues an rva for exploration unless it was already queued.
func (e *Engine) addPoint(rva uint64) {
	if _, done := e.seen[rva]; done {
		return
	}
	e.seen[rva] = struct{}{}
	e.points = append(e.points, DisassemblyPoint{
		Rva:   rva,
		Index: int(rva - uint64(e.textHeader.VirtualAddress)),
	})
}
