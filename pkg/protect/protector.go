/*
package protect drives the protection pipeline: disassemble the input's
.text, virtualize what the VM covers, patch the original instructions into
jumps to generated loader shellcode, and assemble a new image carrying the
interpreter plus the encrypted micro-ops in two appended sections.
*/
package protect

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Deputation/GreyM/pkg/disasm"
	"github.com/Deputation/GreyM/pkg/pe"
	"github.com/Deputation/GreyM/pkg/vm"
)

// InterpreterFileName is looked up next to the running binary by
// ProtectFile.
const InterpreterFileName = "Interpreter.dll"

var (
	// ErrUnsupportedInstruction marks a virtualizable instruction that
	// writes arithmetic flags, which this release cannot reproduce.
	ErrUnsupportedInstruction = errors.New("instruction writes eflags, not supported")

	// ErrImageTooLarge marks images whose layout would break the ±2 GiB
	// reach of the 5-byte patch jumps.
	ErrImageTooLarge = errors.New("image exceeds the 2 GiB patch-jump range")
)

type Config struct {
	// EnableTlsCallbacks controls whether the interpreter's TlsCallback is
	// injected so the VM boots before user code.
	EnableTlsCallbacks bool

	// ScanRData seeds the disassembly with function-pointer candidates
	// found in .rdata.
	ScanRData bool
}

func DefaultConfig() Config {
	return Config{
		EnableTlsCallbacks: true,
		ScanRData:          true,
	}
}

type fixupContext struct {
	relocationRvasToRemove []uint64

	// section offsets that need entries in the rebuilt relocation table
	vmSectionRelocOffsets       []uint32
	virtualizedCodeRelocOffsets []uint32

	fixups []Fixup
}

type protectorContext struct {
	vmLoaderSection        pe.Section
	virtualizedCodeSection pe.Section
	newTextSection         pe.Section

	fixupContext fixupContext
}

// exportedFunctionSectionOffset resolves an export to its offset relative
// to the section containing it.
func exportedFunctionSectionOffset(p *pe.PortableExecutable, functionName string) (uint32, error) {
	exports, err := p.Exports()
	if err != nil {
		return 0, err
	}
	for _, e := range exports {
		if e.Name == functionName {
			section, ok := p.SectionFromRva(uint64(e.Rva))
			if !ok {
				return 0, errors.Errorf("export %s points outside any section", functionName)
			}
			return pe.RvaToSectionOffset(section, uint64(e.Rva)), nil
		}
	}
	return 0, errors.Errorf("export %s not found", functionName)
}

// relocateInterpreter rebases the interpreter onto the target image base
// and strips the VM function section's own VA. The remaining delta, the
// final VM loader section VA, is applied through fixups once known.
func relocateInterpreter(interpreter *pe.PortableExecutable, newImageBase uint64) error {
	vmFunSection, ok := interpreter.SectionFromName(VmFunctionsSectionName)
	if !ok {
		return errors.Errorf("interpreter lacks a %s section", VmFunctionsSectionName)
	}

	nt, err := interpreter.NtHeaders()
	if err != nil {
		return err
	}

	baseDelta := int64(newImageBase) - int64(uint64(nt.OptionalHeader.ImageBase))
	sectionDelta := -int64(vmFunSection.VirtualAddress)

	return interpreter.Relocate(baseDelta + sectionDelta)
}

// createVmLoaderSection seeds the loader section with the interpreter's VM
// function bytes; loader shellcode records are appended behind them.
func createVmLoaderSection(interpreter *pe.PortableExecutable) (pe.Section, error) {
	section := pe.NewEmptySection(VmLoaderSectionName,
		pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_DISCARDABLE)

	vmFunHeader, ok := interpreter.SectionFromName(VmFunctionsSectionName)
	if !ok {
		return section, errors.Errorf("interpreter lacks a %s section", VmFunctionsSectionName)
	}

	nt, err := interpreter.NtHeaders()
	if err != nil {
		return section, err
	}

	code := interpreter.CopySectionDeep(vmFunHeader)
	section.AppendCode(code.Data,
		nt.OptionalHeader.SectionAlignment, nt.OptionalHeader.FileAlignment)

	return section, nil
}

// addInterpreterRelocationsToFixup carries the interpreter's own
// relocations over: each relocated spot inside the VM function section
// needs both a fresh relocation entry and a loader-VA fixup in the output.
func addInterpreterRelocationsToFixup(interpreter *pe.PortableExecutable, ctx *protectorContext) error {
	vmFunHeader, ok := interpreter.SectionFromName(VmFunctionsSectionName)
	if !ok {
		return errors.Errorf("interpreter lacks a %s section", VmFunctionsSectionName)
	}

	offsets, err := relocationsWithinSectionAsOffsets(interpreter, vmFunHeader)
	if err != nil {
		return err
	}

	for _, offset := range offsets {
		ctx.fixupContext.vmSectionRelocOffsets = append(ctx.fixupContext.vmSectionRelocOffsets, offset)
		ctx.fixupContext.fixups = append(ctx.fixupContext.fixups, Fixup{
			Offset:    offset,
			Origin:    OriginVmLoaderSection,
			Operation: AddVmLoaderSectionVirtualAddress,
			Width:     4,
		})
	}

	return nil
}

// relocationsWithinInstruction picks the relocation rvas covering
// [address, address+size) out of the sorted rva list.
func relocationsWithinInstruction(address uint64, size int, sorted []uint64) []uint64 {
	var out []uint64
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= address })
	for ; i < len(sorted) && sorted[i] < address+uint64(size); i++ {
		out = append(out, sorted[i])
	}
	return out
}

// protectVisitor receives disassembly events and performs the
// per-instruction virtualization.
type protectVisitor struct {
	ctx *protectorContext

	originalNt        *pe.IMAGE_NT_HEADERS
	origTextHeader    *pe.IMAGE_SECTION_HEADER
	originalTextCopy  pe.Section
	interpreterOffset uint32
	relocRvas         []uint64

	totalDisassembled uint32
	totalVirtualized  uint32

	err error
}

func (pv *protectVisitor) Instruction(ins *disasm.Instruction, code []byte) {
	pv.totalDisassembled++
	if pv.err != nil {
		return
	}

	op := vm.OpcodeFor(ins)
	if !vm.IsVirtualizable(ins, op) {
		return
	}

	if ins.Eflags != 0 {
		pv.err = errors.Wrapf(ErrUnsupportedInstruction, "at rva 0x%08x", ins.Address)
		return
	}

	relocsWithin := relocationsWithinInstruction(ins.Address, ins.Size, pv.relocRvas)

	key := randU32InRange(1000, 10000000)

	vmBytes, err := vm.CreateVirtualizedCode(ins, op, key, relocsWithin)
	if err != nil {
		pv.err = err
		return
	}
	if len(vmBytes) == 0 {
		return
	}

	sectionAlignment := pv.originalNt.OptionalHeader.SectionAlignment
	fileAlignment := pv.originalNt.OptionalHeader.FileAlignment

	vmCodeOffset := pv.ctx.virtualizedCodeSection.AppendCode(vmBytes, sectionAlignment, fileAlignment)

	shellcode := vm.LoaderShellcode(ins, op, uint64(pv.originalNt.OptionalHeader.ImageBase))

	if err := shellcode.PatchU32(vm.VmOpcodeEncryptionKey, key); err != nil {
		pv.err = err
		return
	}
	if err := shellcode.PatchWord(vm.VmCodeAddr, uint64(vmCodeOffset)); err != nil {
		pv.err = err
		return
	}

	loaderOffsetBefore := pv.ctx.vmLoaderSection.CurrentOffset()

	// The call into the interpreter stays inside the loader section, so
	// its rel32 needs no fixup: displacement from the byte after the E8
	// site to the VmInterpreter entry.
	coreOffset, err := shellcode.OffsetOf(vm.VmCoreFunction)
	if err != nil {
		pv.err = err
		return
	}
	if err := shellcode.PatchU32(vm.VmCoreFunction,
		pv.interpreterOffset-loaderOffsetBefore-coreOffset-4); err != nil {
		pv.err = err
		return
	}

	// Jump back to the byte after the replaced instruction. The stored
	// value is loader-section relative until the subtract fixup runs.
	origOffset, err := shellcode.OffsetOf(vm.OrigAddr)
	if err != nil {
		pv.err = err
		return
	}
	destination := uint32(ins.Address) + uint32(ins.Size)
	origin := loaderOffsetBefore + origOffset
	if err := shellcode.PatchU32(vm.OrigAddr, destination-origin-4); err != nil {
		pv.err = err
		return
	}

	loaderOffset := pv.ctx.vmLoaderSection.AppendCode(shellcode.Bytes(), sectionAlignment, fileAlignment)

	pv.ctx.fixupContext.fixups = append(pv.ctx.fixupContext.fixups,
		Fixup{
			Offset:    loaderOffset + origOffset,
			Origin:    OriginVmLoaderSection,
			Operation: SubtractVmLoaderSectionVirtualAddress,
			Width:     4,
		})

	vmCodeAddrOffset, err := shellcode.OffsetOf(vm.VmCodeAddr)
	if err != nil {
		pv.err = err
		return
	}
	pv.ctx.fixupContext.fixups = append(pv.ctx.fixupContext.fixups,
		Fixup{
			Offset:    loaderOffset + vmCodeAddrOffset,
			Origin:    OriginVmLoaderSection,
			Operation: AddVirtualizedCodeSectionVirtualAddress,
			Width:     4,
		})

	// The baked image base gets rebased by the OS loader through a fresh
	// relocation entry.
	imageBaseOffset, err := shellcode.OffsetOf(vm.ImageBase)
	if err != nil {
		pv.err = err
		return
	}
	pv.ctx.fixupContext.vmSectionRelocOffsets = append(
		pv.ctx.fixupContext.vmSectionRelocOffsets, loaderOffset+imageBaseOffset)

	// Retire the original instruction: random garbage with a jump to the
	// loader stub on top.
	textOffset := pe.RvaToSectionOffset(pv.origTextHeader, ins.Address)

	patch := make([]byte, ins.Size)
	randFill(patch)
	patch[0] = 0xE9
	binary.LittleEndian.PutUint32(patch[1:], loaderOffset-uint32(ins.Address)-5)
	if err := pv.ctx.newTextSection.Overwrite(textOffset, patch); err != nil {
		pv.err = err
		return
	}

	pv.ctx.fixupContext.fixups = append(pv.ctx.fixupContext.fixups,
		Fixup{
			Offset:    textOffset + 1,
			Origin:    OriginTextSection,
			Operation: AddVmLoaderSectionVirtualAddress,
			Width:     4,
		})

	// The instruction's own relocations are handled by the interpreter
	// from now on.
	pv.ctx.fixupContext.relocationRvasToRemove = append(
		pv.ctx.fixupContext.relocationRvasToRemove, relocsWithin...)

	pv.totalVirtualized++
	logrus.Debugf("virtualized 0x%08x, %s", ins.Address, ins.Op)
}

// InvalidInstruction undoes one instruction's virtualization: the original
// bytes return to the new text section and its queued relocation removals
// are withdrawn. The stale loader and VM code records stay in their
// sections, unreferenced.
func (pv *protectVisitor) InvalidInstruction(rva uint64, size int) {
	if pv.err != nil {
		return
	}

	textOffset := pe.RvaToSectionOffset(pv.origTextHeader, rva)
	if err := pv.ctx.newTextSection.Overwrite(textOffset,
		pv.originalTextCopy.Data[textOffset:textOffset+uint32(size)]); err != nil {
		pv.err = err
		return
	}

	for _, relocRva := range relocationsWithinInstruction(rva, size, pv.relocRvas) {
		queue := pv.ctx.fixupContext.relocationRvasToRemove
		for i, queued := range queue {
			if queued == relocRva {
				pv.ctx.fixupContext.relocationRvasToRemove = append(queue[:i], queue[i+1:]...)
				break
			}
		}
	}

	// The patch-site fixup must not fire on the restored bytes.
	kept := pv.ctx.fixupContext.fixups[:0]
	for _, fixup := range pv.ctx.fixupContext.fixups {
		if fixup.Origin == OriginTextSection &&
			fixup.Offset >= textOffset && fixup.Offset < textOffset+uint32(size) {
			continue
		}
		kept = append(kept, fixup)
	}
	pv.ctx.fixupContext.fixups = kept

	logrus.Infof("reset invalid instruction 0x%08x", rva)
}

// assembleNewPe clones the original sections, swaps in the patched text
// section, rebuilds the relocation directory for both appended sections and
// lays out the final image.
func assembleNewPe(original *pe.PortableExecutable, ctx *protectorContext, cfg Config) (*pe.PortableExecutable, error) {
	sections := original.CopySectionsDeep()

	for i := range sections {
		if sections[i].Name() == ".text" {
			sections[i] = ctx.newTextSection
		}
	}

	relocSection := &sections[len(sections)-1]
	if relocSection.Name() != ".reloc" {
		return nil, errors.New(".reloc must be the last section of the input")
	}

	headerData := original.CopyHeaderData()
	nt, err := pe.ParseNtHeaders(headerData)
	if err != nil {
		return nil, err
	}

	if err := addVmSectionRelocations(nt, relocSection, &ctx.fixupContext); err != nil {
		return nil, err
	}
	if cfg.EnableTlsCallbacks {
		if err := addVirtualizedCodeSectionRelocations(nt, relocSection, &ctx.fixupContext); err != nil {
			return nil, err
		}
	}

	pe.StoreNtHeaders(headerData, nt)

	sections = append(sections, ctx.vmLoaderSection, ctx.virtualizedCodeSection)

	return pe.Build(headerData, sections)
}

// fixFinishedPe applies the deferred fixups and the final header scrubbing
// on the assembled image.
func fixFinishedPe(p *pe.PortableExecutable, textHeader *pe.IMAGE_SECTION_HEADER, fixups []Fixup) error {
	if err := applyFixups(p, textHeader, fixups); err != nil {
		return err
	}

	obfuscateRtti(p)

	nt, err := p.NtHeaders()
	if err != nil {
		return err
	}

	for _, index := range []int{pe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG, pe.IMAGE_DIRECTORY_ENTRY_DEBUG} {
		dir := nt.OptionalHeader.DataDirectory[index]
		if dir.VirtualAddress != 0 && dir.Size != 0 {
			if off, err := p.RvaToFileOffset(uint64(dir.VirtualAddress)); err == nil {
				zero := p.Data()[off : off+dir.Size]
				for i := range zero {
					zero[i] = 0
				}
			}
		}
		nt.OptionalHeader.DataDirectory[index] = pe.IMAGE_DATA_DIRECTORY{}
	}

	p.SetNtHeaders(nt)
	return nil
}

// Protect rewrites the original image, virtualizing every instruction the
// VM covers. The interpreter image provides the VM function section and the
// VmInterpreter / TlsCallback entry points.
func Protect(original, interpreter *pe.PortableExecutable, cfg Config) (*pe.PortableExecutable, error) {
	originalNt, err := original.NtHeaders()
	if err != nil {
		return nil, err
	}

	if originalNt.OptionalHeader.Magic != pe.OptionalHeaderMagic {
		if pe.Is64Bit {
			return nil, errors.New("input is a 32-bit image, use the x86 build")
		}
		return nil, errors.New("input is a 64-bit image, use the x64 build")
	}

	if !interpreter.IsValid() {
		return nil, errors.New("interpreter is not a valid portable executable")
	}

	interpreterOffset, err := exportedFunctionSectionOffset(interpreter, "VmInterpreter")
	if err != nil {
		return nil, err
	}
	tlsCallbackOffset, err := exportedFunctionSectionOffset(interpreter, "TlsCallback")
	if err != nil {
		return nil, err
	}

	// The interpreter carries jump tables of its own; rebase them onto the
	// target image now, the loader-section VA lands on top through fixups.
	if err := relocateInterpreter(interpreter, uint64(originalNt.OptionalHeader.ImageBase)); err != nil {
		return nil, err
	}

	var ctx protectorContext

	ctx.vmLoaderSection, err = createVmLoaderSection(interpreter)
	if err != nil {
		return nil, err
	}

	ctx.virtualizedCodeSection = pe.NewEmptySection(VmCodeSectionName,
		pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_WRITE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_DISCARDABLE)

	if cfg.EnableTlsCallbacks {
		if err := addTlsCallbacks(original, &ctx, tlsCallbackOffset); err != nil {
			return nil, err
		}
	}

	origTextHeader, ok := original.SectionFromName(".text")
	if !ok {
		return nil, errors.New("input lacks a .text section")
	}

	originalTextCopy := original.CopySectionDeep(origTextHeader)
	ctx.newTextSection = original.CopySectionDeep(origTextHeader)

	started := time.Now()

	if err := addInterpreterRelocationsToFixup(interpreter, &ctx); err != nil {
		return nil, err
	}

	relocRvas, err := relocationRvas(original)
	if err != nil {
		return nil, err
	}
	sort.Slice(relocRvas, func(i, j int) bool { return relocRvas[i] < relocRvas[j] })

	engine, err := disasm.NewEngine(original, cfg.ScanRData)
	if err != nil {
		return nil, err
	}

	visitor := &protectVisitor{
		ctx:               &ctx,
		originalNt:        originalNt,
		origTextHeader:    origTextHeader,
		originalTextCopy:  originalTextCopy,
		interpreterOffset: interpreterOffset,
		relocRvas:         relocRvas,
	}

	if err := engine.DisassembleFromEntryPoint(visitor); err != nil {
		return nil, err
	}
	if visitor.err != nil {
		return nil, visitor.err
	}

	if ctx.newTextSection.Header.SizeOfRawData != origTextHeader.SizeOfRawData {
		return nil, errors.New("text section size changed during patching")
	}

	// Old relocations of virtualized instructions go before assembly;
	// afterwards the rvas would collide with the rebuilt table.
	if err := removeRelocations(ctx.fixupContext.relocationRvasToRemove, original); err != nil {
		return nil, err
	}

	newPe, err := assembleNewPe(original, &ctx, cfg)
	if err != nil {
		return nil, err
	}

	newNt, err := newPe.NtHeaders()
	if err != nil {
		return nil, err
	}
	if newNt.OptionalHeader.SizeOfImage >= 1<<31 {
		return nil, ErrImageTooLarge
	}

	if err := fixFinishedPe(newPe, origTextHeader, ctx.fixupContext.fixups); err != nil {
		return nil, err
	}

	logrus.Infof("disassembled %d instructions, virtualized %d, took %s",
		visitor.totalDisassembled, visitor.totalVirtualized,
		time.Since(started).Round(time.Millisecond))

	return newPe, nil
}

// ProtectFile is the convenience entry: load the target from disk, pick up
// Interpreter.dll from beside the running binary and protect with the
// default configuration.
func ProtectFile(inputPath string) (*pe.PortableExecutable, error) {
	original, err := pe.FromFile(inputPath)
	if err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locating interpreter")
	}

	interpreter, err := pe.FromFile(filepath.Join(filepath.Dir(exe), InterpreterFileName))
	if err != nil {
		return nil, err
	}

	return Protect(original, interpreter, DefaultConfig())
}
