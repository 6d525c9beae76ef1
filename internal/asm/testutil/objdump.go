// Package testutil decodes generated amd64 code with GNU objdump so tests
// can check encodings and code layout against an independent decoder.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Insn is one decoded instruction.
type Insn struct {
	Offset   int
	Mnemonic string
	Operands string
}

func (i Insn) String() string {
	return fmt.Sprintf("%#x: %s %s", i.Offset, i.Mnemonic, i.Operands)
}

// Contains reports whether the mnemonic or operands contain s.
func (i Insn) Contains(s string) bool {
	return strings.Contains(i.Mnemonic+" "+i.Operands, s)
}

// Disassemble decodes code as raw x86-64 in AT&T syntax. Offsets are
// relative to the start of code. The test is skipped when objdump is not
// installed.
func Disassemble(t testing.TB, code []byte) []Insn {
	t.Helper()
	tool, err := exec.LookPath("objdump")
	if err != nil {
		t.Skipf("objdump not found: %v", err)
	}

	path := filepath.Join(t.TempDir(), "code.bin")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	out, err := exec.Command(tool, "-D", "-b", "binary", "-m", "i386:x86-64",
		"-M", "att", "--no-show-raw-insn", path).CombinedOutput()
	if err != nil {
		t.Fatalf("objdump: %v\n\n%s", err, out)
	}

	insns, err := parse(string(out))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(insns) == 0 {
		t.Fatalf("objdump decoded nothing:\n%s", out)
	}
	return insns
}

// parse keeps the lines of the form "offset: mnemonic operands". Headers
// and symbol lines have no hex offset before their colon.
func parse(out string) ([]Insn, error) {
	var insns []Insn
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		off, err := strconv.ParseUint(strings.TrimSpace(line[:colon]), 16, 32)
		if err != nil {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) == 0 {
			continue
		}
		insns = append(insns, Insn{
			Offset:   int(off),
			Mnemonic: strings.ToLower(fields[0]),
			Operands: strings.Join(fields[1:], " "),
		})
	}
	return insns, sc.Err()
}

// At returns the instruction starting at off. A miss means off is not an
// instruction boundary.
func At(insns []Insn, off int) (Insn, bool) {
	for _, in := range insns {
		if in.Offset == off {
			return in, true
		}
		if in.Offset > off {
			break
		}
	}
	return Insn{}, false
}

// Want describes one expected instruction. An empty Mnemonic matches any.
type Want struct {
	Name     string
	Mnemonic string
	Contains []string
}

// ExpectPrefix checks the leading instructions against want, in order.
// Anything decoded after the last expectation is ignored.
func ExpectPrefix(t testing.TB, insns []Insn, want []Want) {
	t.Helper()
	if len(insns) < len(want) {
		t.Fatalf("decoded %d instructions, want at least %d", len(insns), len(want))
	}
	for i, w := range want {
		in := insns[i]
		if w.Mnemonic != "" && in.Mnemonic != w.Mnemonic {
			t.Fatalf("%s: %v, want mnemonic %s", w.Name, in, w.Mnemonic)
		}
		for _, s := range w.Contains {
			if !in.Contains(s) {
				t.Fatalf("%s: %v does not contain %q", w.Name, in, s)
			}
		}
	}
}
