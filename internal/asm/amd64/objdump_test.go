package amd64

import (
	"testing"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/asm/testutil"
)

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	testutil.ExpectPrefix(t, testutil.Disassemble(t, prog.Bytes()), expect)
}

type sinkBuilder struct {
	fragments []asm.Fragment
	wants     []testutil.Want
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	if frag == nil {
		return
	}
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(name, mnemonic string, frag asm.Fragment, contains ...string) {
	b.append(frag)
	b.wants = append(b.wants, testutil.Want{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func (b *sinkBuilder) fragment() asm.Fragment {
	return asm.Group(b.fragments)
}

func buildAMD64KitchenSink() (asm.Fragment, []testutil.Want) {
	var builder sinkBuilder

	builder.add("mov_imm", "movabs", MovImmediate(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	builder.add("mov_reg", "mov", MovReg(Reg64(R9), Reg64(R10)), "%r10,%r9")
	builder.add("mov_to_memory", "mov", MovToMemory(Mem(Reg64(RSP)).WithDisp(0x28), Reg64(RAX)), "%rax,0x28(%rsp)")
	builder.add("mov_from_memory", "mov", MovFromMemory(Reg64(RBX), Mem(Reg64(RBP)).WithDisp(0x18)), "0x18(%rbp),%rbx")
	builder.add("call_reg", "call", CallReg(Reg64(R11)), "*%r11")
	builder.add("jump_reg", "jmp", JumpReg(Reg64(RAX)), "*%rax")

	builder.add("movzx8", "", MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), "movz", "0x10(%rdi)", "%r12")
	builder.add("movzx16", "", MovZX16(Reg64(R13), Mem(Reg64(RSI)).WithDisp(0x14)), "movz", "0x14(%rsi)", "%r13")
	builder.add("load_s32", "movslq", Load(Reg64(RCX), Mem(Reg64(RDX)).WithDisp(4), 4, true), "0x4(%rdx),%rcx")
	builder.add("mov_store_imm8", "movb", MovStoreImm8(Mem(Reg64(RDX)).WithDisp(0x5), 0x7f), "$0x7f,0x5(%rdx)")
	builder.add("store_u16", "mov", Store(Mem(Reg64(R8)), Reg64(RSI), 2), "%si,(%r8)")

	builder.add("add_reg_imm", "add", AddRegImm(Reg64(RAX), 0x21), "$0x21,%rax")
	builder.add("add_reg_reg", "add", AddRegReg(Reg64(R14), Reg64(R15)), "%r15,%r14")
	builder.add("sub_reg_reg", "sub", SubRegReg(Reg64(R13), Reg64(R12)), "%r12,%r13")
	builder.add("cmp_reg_imm", "cmp", CmpRegImm(Reg64(R9), 0x44), "$0x44,%r9")
	builder.add("cmp_reg_mem", "cmp", ALUFromMemory(ALUCmp, Reg64(R8), Mem(Reg64(RBP)).WithDisp(0x30)), "0x30(%rbp),%r8")
	builder.add("and_reg_imm", "and", AndRegImm(Reg64(RDI), 0xff), "$0xff,%rdi")
	builder.add("xor_reg_reg", "xor", XorRegReg(Reg64(RBX), Reg64(RCX)), "%rcx,%rbx")
	builder.add("imul_reg_reg", "imul", ImulRegReg(Reg64(RAX), Reg64(R10)), "%r10,%rax")
	builder.add("imul_reg_imm", "imul", ImulRegImm(Reg64(RAX), Reg64(RCX), 3), "$0x3,%rcx,%rax")
	builder.add("neg", "neg", Neg(Reg64(RDX)), "%rdx")
	builder.add("idiv", "idiv", Idiv(Reg64(RCX)), "%rcx")
	builder.add("cqo", "cqto", Cqo())
	builder.add("shr_reg_imm", "shr", ShrRegImm(Reg64(RDX), 2), "$0x2,%rdx")
	builder.add("sar_reg_cl", "sar", SarRegCL(Reg64(RBX)), "%cl,%rbx")
	builder.add("setcc", "setl", SetCC(CondL, Reg8(RSI)), "%sil")
	builder.add("push_mem", "", PushMem(Mem(Reg64(R11)).WithDisp(8)), "push", "0x8(%r11)")
	builder.add("pop_mem", "", PopMem(Mem(Reg64(RBP)).WithDisp(0x30)), "pop", "0x30(%rbp)")

	builder.add("movsd_load", "movsd", MovsdLoad(Xmm(3), Mem(Reg64(RBP)).WithDisp(0x40)), "0x40(%rbp),%xmm3")
	builder.add("addsd", "addsd", FloatArith(FloatAdd, Xmm(1), Xmm(9)), "%xmm9,%xmm1")
	builder.add("ucomisd", "ucomisd", Ucomisd(Xmm(0), Xmm(1)), "%xmm1,%xmm0")
	builder.add("movq", "movq", MovqToXmm(Xmm(15), Reg64(R11)), "%r11,%xmm15")
	builder.add("cvttsd2si", "cvttsd2si", Cvttsd2si(Reg64(RAX), Xmm(2)), "%xmm2,%rax")

	builder.add("jump_if_not_equal", "jne", JumpIf(CondNE, asm.Label("label_jne")))
	builder.append(asm.MarkLabel("label_jne"))
	builder.add("jump_if_overflow", "jo", JumpIf(CondO, asm.Label("label_jo")))
	builder.append(asm.MarkLabel("label_jo"))
	builder.add("jump_if_less", "jl", JumpIf(CondL, asm.Label("label_jl")))
	builder.append(asm.MarkLabel("label_jl"))
	builder.add("jump_if_above", "ja", JumpIf(CondA, asm.Label("label_ja")))
	builder.append(asm.MarkLabel("label_ja"))

	builder.add("ret", "ret", Ret())

	return builder.fragment(), builder.wants
}
