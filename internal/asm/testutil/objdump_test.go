package testutil

import "testing"

const sample = `
/tmp/TestX/001/code.bin:     file format binary


Disassembly of section .data:

0000000000000000 <.data>:
   0:	push   %rbx
   1:	mov    %rdi,%rbp
   4:	movabs $0x1122334455667788,%rax
   e:	jmp    0x13
  13:	ret
`

func TestParse(t *testing.T) {
	insns, err := parse(sample)
	if err != nil {
		t.Fatal(err)
	}
	want := []Insn{
		{0x0, "push", "%rbx"},
		{0x1, "mov", "%rdi,%rbp"},
		{0x4, "movabs", "$0x1122334455667788,%rax"},
		{0xe, "jmp", "0x13"},
		{0x13, "ret", ""},
	}
	if len(insns) != len(want) {
		t.Fatalf("parsed %d instructions: %v", len(insns), insns)
	}
	for i := range want {
		if insns[i] != want[i] {
			t.Fatalf("instruction %d = %v, want %v", i, insns[i], want[i])
		}
	}

	if in, ok := At(insns, 0xe); !ok || in.Mnemonic != "jmp" {
		t.Fatalf("At(0xe) = %v, %v", in, ok)
	}
	if _, ok := At(insns, 0x5); ok {
		t.Fatalf("0x5 is inside the movabs")
	}
	if !insns[1].Contains("mov %rdi") {
		t.Fatalf("Contains does not see the mnemonic")
	}
	ExpectPrefix(t, insns, []Want{
		{Name: "save", Mnemonic: "push", Contains: []string{"%rbx"}},
		{Name: "frame", Contains: []string{"%rdi,%rbp"}},
	})
}
