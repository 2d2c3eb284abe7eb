//go:build !greym32

package disasm

import (
	"testing"

	"github.com/Deputation/GreyM/pkg/pe"
	"github.com/Deputation/GreyM/pkg/pe/petest"
)

type recordingVisitor struct {
	visited  []uint64
	invalid  []uint64
	invSizes []int
}

func (r *recordingVisitor) Instruction(ins *Instruction, code []byte) {
	r.visited = append(r.visited, ins.Address)
}

func (r *recordingVisitor) InvalidInstruction(rva uint64, size int) {
	r.invalid = append(r.invalid, rva)
	r.invSizes = append(r.invSizes, size)
}

func buildEngine(t *testing.T, text []byte, entryPoint uint32) *Engine {
	t.Helper()

	p, err := petest.Build(petest.Image{
		ImageBase:  0x140000000,
		EntryPoint: entryPoint,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: text,
				Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ},
		},
	})
	if err != nil {
		t.Fatalf("petest.Build: %v", err)
	}

	e, err := NewEngine(p, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func contains(list []uint64, v uint64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// The x64 jump-table idiom must enqueue every table slot until the zero
// terminator and mark the consumed bytes as data.
func TestJumpTableX64(t *testing.T) {
	text := make([]byte, 0x60)

	copy(text, []byte{
		0x8B, 0x84, 0x81, 0x20, 0x10, 0x00, 0x00, // mov eax, [rcx+rax*4+0x1020]
		0x48, 0x01, 0xC8, // add rax, rcx
		0xFF, 0xE0, // jmp rax
	})
	// table slots: 0x1030, 0x1040, terminator
	copy(text[0x20:], []byte{
		0x30, 0x10, 0x00, 0x00,
		0x40, 0x10, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	})
	text[0x30] = 0xC3
	text[0x40] = 0xC3

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	if !contains(v.visited, 0x1000) {
		t.Fatal("entry instruction not visited")
	}
	if !contains(v.visited, 0x1030) || !contains(v.visited, 0x1040) {
		t.Fatalf("jump-table targets not explored: %#x", v.visited)
	}

	ranges := e.DataRanges()
	if len(ranges) != 1 || ranges[0].Begin != 0x1020 || ranges[0].End != 0x102C {
		t.Fatalf("data ranges = %+v, want [0x1020, 0x102C)", ranges)
	}
}

// A jump table slot pointing outside .text terminates the scan.
func TestJumpTableStopsOutsideText(t *testing.T) {
	text := make([]byte, 0x60)
	copy(text, []byte{
		0x8B, 0x84, 0x81, 0x20, 0x10, 0x00, 0x00,
		0x48, 0x01, 0xC8,
		0xFF, 0xE0,
	})
	copy(text[0x20:], []byte{
		0x30, 0x10, 0x00, 0x00,
		0x00, 0x90, 0x00, 0x00, // 0x9000: not in .text
		0x40, 0x10, 0x00, 0x00, // never reached
	})
	text[0x30] = 0xC3
	text[0x40] = 0xC3

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	if !contains(v.visited, 0x1030) {
		t.Fatal("first slot not explored")
	}
	if contains(v.visited, 0x1040) {
		t.Fatal("slot after the out-of-text terminator must not be explored")
	}
}

// S3: home-store run followed by sub rsp, imm.
func TestIsFunctionX64Prologue(t *testing.T) {
	text := make([]byte, 0x40)
	copy(text, []byte{
		0x48, 0x89, 0x4C, 0x24, 0x08, // mov [rsp+8], rcx
		0x48, 0x89, 0x54, 0x24, 0x10, // mov [rsp+0x10], rdx
		0x48, 0x83, 0xEC, 0x28, // sub rsp, 0x28
		0xC3,
	})

	e := buildEngine(t, text, 0x1000)
	if !e.isFunction(0x1000) {
		t.Fatal("prologue not recognized")
	}
	if e.isFunction(0x100E) { // the lone ret
		t.Fatal("ret recognized as prologue")
	}
}

// A direct jump in front of the prologue is followed.
func TestIsFunctionX64FollowsJump(t *testing.T) {
	text := make([]byte, 0x40)
	copy(text, []byte{
		0xE9, 0x0B, 0x00, 0x00, 0x00, // jmp 0x1010
	})
	copy(text[0x10:], []byte{
		0x48, 0x89, 0x4C, 0x24, 0x08,
		0x48, 0x89, 0x54, 0x24, 0x10,
		0x48, 0x83, 0xEC, 0x28,
		0xC3,
	})

	e := buildEngine(t, text, 0x1000)
	if !e.isFunction(0x1000) {
		t.Fatal("prologue behind a jump not recognized")
	}
}

// MOV mem, imm with a prologue target enqueues the function.
func TestMovImmFunctionPointerDiscovery(t *testing.T) {
	text := make([]byte, 0x70)
	copy(text, []byte{
		0xC7, 0x00, 0x50, 0x10, 0x00, 0x00, // mov dword [rax], 0x1050
		0xC3,
	})
	copy(text[0x50:], []byte{
		0x48, 0x89, 0x4C, 0x24, 0x08,
		0x48, 0x89, 0x54, 0x24, 0x10,
		0x48, 0x83, 0xEC, 0x28,
		0xC3,
	})

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	if !contains(v.visited, 0x1050) {
		t.Fatalf("function pointer target not explored: %#x", v.visited)
	}
}

// Call targets spawn their own streams; the caller's stream continues.
func TestCallEnqueuesTarget(t *testing.T) {
	text := make([]byte, 0x40)
	copy(text, []byte{
		0xE8, 0x1B, 0x00, 0x00, 0x00, // call 0x1020
		0xC3,
	})
	text[0x20] = 0xC3

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	if !contains(v.visited, 0x1005) {
		t.Fatal("instruction after call not visited")
	}
	if !contains(v.visited, 0x1020) {
		t.Fatal("call target not visited")
	}
}

// When a stream decodes into garbage, the previously decoded instruction is
// reported for rollback.
func TestRollbackReportsPreviousInstruction(t *testing.T) {
	text := make([]byte, 0x20)
	copy(text, []byte{
		0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, // mov rax, imm64
		0x06, // invalid in 64-bit mode
	})

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	if len(v.invalid) != 1 || v.invalid[0] != 0x1000 || v.invSizes[0] != 10 {
		t.Fatalf("rollback = rvas %#x sizes %v, want [0x1000] [10]", v.invalid, v.invSizes)
	}
}

// Data ranges are half-open: a table slot pointing at the byte right after
// the parsed jump table is decoded, and no instruction inside the table is
// visited.
func TestDataRangeStopsStream(t *testing.T) {
	text := make([]byte, 0x60)
	copy(text, []byte{
		0x8B, 0x84, 0x81, 0x20, 0x10, 0x00, 0x00,
		0x48, 0x01, 0xC8,
		0xFF, 0xE0,
	})
	copy(text[0x20:], []byte{
		0x28, 0x10, 0x00, 0x00, // points just past the table's end
		0x00, 0x00, 0x00, 0x00,
	})
	text[0x28] = 0xC3

	e := buildEngine(t, text, 0x1000)
	var v recordingVisitor
	if err := e.DisassembleFromEntryPoint(&v); err != nil {
		t.Fatalf("DisassembleFromEntryPoint: %v", err)
	}

	// the table spans [0x1020, 0x1028); 0x1028 itself is fair game
	if !contains(v.visited, 0x1028) {
		t.Fatalf("0x1028 outside the data range should be visited: %#x", v.visited)
	}
	for _, rva := range v.visited {
		if rva >= 0x1020 && rva < 0x1028 {
			t.Fatalf("instruction inside data range visited: 0x%x", rva)
		}
	}
}
