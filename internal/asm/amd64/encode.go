package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/tracejit/internal/asm"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type registerCode struct {
	code byte
	high bool
	// byteRex is set for rsp/rbp/rsi/rdi, whose low bytes are only
	// reachable with a REX prefix.
	byteRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0}, nil
	case RBX:
		return registerCode{code: 3}, nil
	case RCX:
		return registerCode{code: 1}, nil
	case RDX:
		return registerCode{code: 2}, nil
	case RSI:
		return registerCode{code: 6, byteRex: true}, nil
	case RDI:
		return registerCode{code: 7, byteRex: true}, nil
	case RSP:
		return registerCode{code: 4, byteRex: true}, nil
	case RBP:
		return registerCode{code: 5, byteRex: true}, nil
	case R8, R9, R10, R11, R12, R13, R14, R15:
		return registerCode{code: byte(v-R8) & 7, high: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

func xmmInfo(x XReg) (registerCode, error) {
	if x.id < 0 || x.id > 15 {
		return registerCode{}, fmt.Errorf("unsupported xmm register %d", x.id)
	}
	return registerCode{code: byte(x.id) & 7, high: x.id >= 8}, nil
}

// digit is the opcode extension placed in the reg field of ModRM.
func digit(d byte) registerCode { return registerCode{code: d} }

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

// encodeMemoryOperand picks the shortest displacement form: none, disp8 or
// disp32. rbp/r13 bases always carry a displacement and rsp/r12 bases need
// a SIB byte.
func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}
	base, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}
	enc := memEncoding{rex: rexState{b: base.high}}

	indexCode := byte(4)
	if mem.hasIndex {
		index, err := regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if index.code == 4 && !index.high {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
		indexCode = index.code
		enc.rex.x = index.high
	}

	switch disp := mem.disp; {
	case disp == 0 && base.code != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(disp))}
	default:
		enc.modrm = 0x80
		enc.disp = imm32(disp)
	}

	if mem.hasIndex || base.code == 4 {
		var scaleBits byte
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | base.code}
		enc.modrm |= 4
	} else {
		enc.modrm |= base.code
	}
	return enc, nil
}

// rmOperand is the r/m side of a ModRM instruction.
type rmOperand struct {
	reg registerCode
	mem *memEncoding
}

func rmReg(info registerCode) rmOperand { return rmOperand{reg: info} }

func rmMem(mem Memory) (rmOperand, error) {
	enc, err := encodeMemoryOperand(mem)
	if err != nil {
		return rmOperand{}, err
	}
	return rmOperand{mem: &enc}, nil
}

// modrmInst is one instruction of the form
// [prefix] [REX] opcode ModRM [SIB] [disp] [imm].
type modrmInst struct {
	prefix byte
	w      bool
	byteOp bool
	// rmByte marks an 8-bit r/m operand with a wider reg operand (movzx).
	rmByte bool
	opcode []byte
	reg    registerCode
	rm     rmOperand
	imm    []byte
}

func (in modrmInst) bytes() []byte {
	out := make([]byte, 0, 16)
	if in.prefix != 0 {
		out = append(out, in.prefix)
	}
	rex := rexState{w: in.w, r: in.reg.high}
	if in.rm.mem != nil {
		rex.x = in.rm.mem.rex.x
		rex.b = in.rm.mem.rex.b
	} else {
		rex.b = in.rm.reg.high
		rex.force = (in.byteOp || in.rmByte) && in.rm.reg.byteRex
	}
	if in.byteOp && in.reg.byteRex {
		rex.force = true
	}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, in.opcode...)
	if in.rm.mem != nil {
		out = append(out, in.rm.mem.modrm|in.reg.code<<3)
		out = append(out, in.rm.mem.sib...)
		out = append(out, in.rm.mem.disp...)
	} else {
		out = append(out, 0xC0|in.reg.code<<3|in.rm.reg.code)
	}
	return append(out, in.imm...)
}

// encodeOpReg encodes the opcode+register forms (mov r, imm; push; pop).
func encodeOpReg(w bool, opcode byte, info registerCode, byteOp bool, imm []byte) []byte {
	out := make([]byte, 0, 10)
	rex := rexState{w: w, b: info.high, force: byteOp && info.byteRex}
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, opcode+info.code)
	return append(out, imm...)
}

func sizePrefix(size operandSize) byte {
	if size == size16 {
		return 0x66
	}
	return 0
}

func imm8(v int32) []byte { return []byte{byte(int8(v))} }

func imm16(v int32) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	return b[:]
}

func imm32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func imm64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

// FitsInt32 reports whether v can be encoded as a sign-extended imm32.
func FitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

func checkSize(r Reg) error {
	switch r.size {
	case size8, size16, size32, size64:
		return nil
	}
	return fmt.Errorf("unsupported register width %d", r.size)
}

// sizedInst fills in the prefix, REX.W and byte-form bits for a register
// width. wide is the opcode for 16/32/64-bit operands, narrow for 8-bit.
func sizedInst(size operandSize, wide, narrow byte) modrmInst {
	in := modrmInst{prefix: sizePrefix(size), w: size == size64, opcode: []byte{wide}}
	if size == size8 {
		in.byteOp = true
		in.opcode = []byte{narrow}
	}
	return in
}

// encodeMovRegImm loads value choosing the shortest form: mov r32, imm32
// when the value zero-extends, mov r/m64, imm32 when it sign-extends and
// movabs otherwise.
func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	switch reg.size {
	case size64:
		switch {
		case value >= 0 && value <= math.MaxUint32:
			return encodeOpReg(false, 0xB8, info, false, imm32(int32(uint32(value)))), nil
		case FitsInt32(value):
			return modrmInst{w: true, opcode: []byte{0xC7}, reg: digit(0), rm: rmReg(info), imm: imm32(int32(value))}.bytes(), nil
		default:
			return encodeOpReg(true, 0xB8, info, false, imm64(uint64(value))), nil
		}
	case size32:
		return encodeOpReg(false, 0xB8, info, false, imm32(int32(value))), nil
	case size16:
		return append([]byte{0x66}, encodeOpReg(false, 0xB8, info, false, imm16(int32(value)))...), nil
	case size8:
		return encodeOpReg(false, 0xB0, info, true, []byte{byte(value)}), nil
	}
	return nil, fmt.Errorf("unsupported register width %d", reg.size)
}

// encodeMovabs always uses the 10-byte imm64 form.
func encodeMovabs(reg Reg, value uint64) ([]byte, error) {
	if reg.size != size64 {
		return nil, fmt.Errorf("movabs requires a 64-bit register")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return encodeOpReg(true, 0xB8, info, false, imm64(value)), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	in := sizedInst(dst.size, 0x89, 0x88)
	in.reg = srcInfo
	in.rm = rmReg(dstInfo)
	return in.bytes(), nil
}

func encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	if err := checkSize(src); err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	in := sizedInst(src.size, 0x89, 0x88)
	in.reg = srcInfo
	in.rm = rm
	return in.bytes(), nil
}

func encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	if err := checkSize(dst); err != nil {
		return nil, err
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	in := sizedInst(dst.size, 0x8B, 0x8A)
	in.reg = dstInfo
	in.rm = rm
	return in.bytes(), nil
}

// encodeMovMemImm stores a sign-extended immediate of the given width.
func encodeMovMemImm(mem Memory, value int32, size operandSize) ([]byte, error) {
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	in := sizedInst(size, 0xC7, 0xC6)
	in.reg = digit(0)
	in.rm = rm
	switch size {
	case size8:
		in.imm = imm8(value)
	case size16:
		in.imm = imm16(value)
	case size32, size64:
		in.imm = imm32(value)
	default:
		return nil, fmt.Errorf("unsupported store width %d", size)
	}
	return in.bytes(), nil
}

// encodeExtend covers movzx/movsx (8 and 16-bit sources) and movsxd.
func encodeExtend(dst Reg, rm rmOperand, srcSize operandSize, signed bool) ([]byte, error) {
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("extension requires 32- or 64-bit destination, got %d", dst.size*8)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	in := modrmInst{w: dst.size == size64, reg: dstInfo, rm: rm}
	switch {
	case srcSize == size8 && !signed:
		in.opcode = []byte{0x0F, 0xB6}
		in.rmByte = true
	case srcSize == size16 && !signed:
		in.opcode = []byte{0x0F, 0xB7}
	case srcSize == size8:
		in.opcode = []byte{0x0F, 0xBE}
		in.rmByte = true
	case srcSize == size16:
		in.opcode = []byte{0x0F, 0xBF}
	case srcSize == size32 && signed && dst.size == size64:
		in.opcode = []byte{0x63}
	default:
		return nil, fmt.Errorf("unsupported extension from %d bits (signed=%v)", srcSize*8, signed)
	}
	return in.bytes(), nil
}

func encodeMovZXRegMem(dst Reg, mem Memory, srcSize operandSize) ([]byte, error) {
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return encodeExtend(dst, rm, srcSize, false)
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("lea requires a 64-bit destination")
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return modrmInst{w: true, opcode: []byte{0x8D}, reg: dstInfo, rm: rm}.bytes(), nil
}

// ALUOp selects one of the classic two-operand integer instructions. The
// value is both the /digit of the immediate forms and the high bits of the
// register forms.
type ALUOp byte

const (
	ALUAdd ALUOp = 0
	ALUOr  ALUOp = 1
	ALUAnd ALUOp = 4
	ALUSub ALUOp = 5
	ALUXor ALUOp = 6
	ALUCmp ALUOp = 7
)

var aluNames = map[ALUOp]string{ALUAdd: "add", ALUOr: "or", ALUAnd: "and", ALUSub: "sub", ALUXor: "xor", ALUCmp: "cmp"}

func (op ALUOp) String() string { return aluNames[op] }

func aluRMImm(op ALUOp, size operandSize, rm rmOperand, value int32) ([]byte, error) {
	var in modrmInst
	switch size {
	case size8:
		in = sizedInst(size, 0x80, 0x80)
		in.imm = imm8(value)
	case size16, size32, size64:
		if fitsInt8(int64(value)) {
			in = sizedInst(size, 0x83, 0x83)
			in.imm = imm8(value)
		} else {
			in = sizedInst(size, 0x81, 0x81)
			if size == size16 {
				in.imm = imm16(value)
			} else {
				in.imm = imm32(value)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported width %d", size)
	}
	in.reg = digit(byte(op))
	in.rm = rm
	return in.bytes(), nil
}

func encodeALURegImm(op ALUOp, reg Reg, value int32) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return aluRMImm(op, reg.size, rmReg(info), value)
}

func encodeALUMemImm(op ALUOp, mem Memory, size operandSize, value int32) ([]byte, error) {
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return aluRMImm(op, size, rm, value)
}

// encodeALURegReg encodes "op dst, src" using the r/m, reg form.
func encodeALURegReg(op ALUOp, dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	base := byte(op) << 3
	in := sizedInst(dst.size, base|0x01, base)
	in.reg = srcInfo
	in.rm = rmReg(dstInfo)
	return in.bytes(), nil
}

// encodeALURegMem encodes "op dst, [mem]".
func encodeALURegMem(op ALUOp, dst Reg, mem Memory) ([]byte, error) {
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	base := byte(op) << 3
	in := sizedInst(dst.size, base|0x03, base|0x02)
	in.reg = dstInfo
	in.rm = rm
	return in.bytes(), nil
}

// encodeALUMemReg encodes "op [mem], src".
func encodeALUMemReg(op ALUOp, mem Memory, src Reg) ([]byte, error) {
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	base := byte(op) << 3
	in := sizedInst(src.size, base|0x01, base)
	in.reg = srcInfo
	in.rm = rm
	return in.bytes(), nil
}

func encodeTestRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	in := sizedInst(dst.size, 0x85, 0x84)
	in.reg = srcInfo
	in.rm = rmReg(dstInfo)
	return in.bytes(), nil
}

// encodeImul encodes the two-operand "imul dst, r/m".
func encodeImul(dst Reg, rm rmOperand) ([]byte, error) {
	if dst.size != size64 && dst.size != size32 {
		return nil, fmt.Errorf("imul unsupported width %d", dst.size*8)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return modrmInst{w: dst.size == size64, opcode: []byte{0x0F, 0xAF}, reg: dstInfo, rm: rm}.bytes(), nil
}

func encodeImulRegImm(dst, src Reg, value int32) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("imul requires matching operand widths")
	}
	if dst.size != size32 && dst.size != size64 {
		return nil, fmt.Errorf("imul unsupported width %d", dst.size*8)
	}
	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	in := modrmInst{w: dst.size == size64, reg: dstInfo, rm: rmReg(srcInfo)}
	if fitsInt8(int64(value)) {
		in.opcode = []byte{0x6B}
		in.imm = imm8(value)
	} else {
		in.opcode = []byte{0x69}
		in.imm = imm32(value)
	}
	return in.bytes(), nil
}

// Group-3 unary opcodes (F7 /digit).
const (
	unaryNot  byte = 2
	unaryNeg  byte = 3
	unaryIdiv byte = 7
)

func encodeUnary(sub byte, size operandSize, rm rmOperand) ([]byte, error) {
	in := sizedInst(size, 0xF7, 0xF6)
	in.reg = digit(sub)
	in.rm = rm
	return in.bytes(), nil
}

func encodeCqo() []byte { return []byte{0x48, 0x99} }

// Shift /digit values for the C1/D3 groups.
const (
	shiftShl byte = 4
	shiftShr byte = 5
	shiftSar byte = 7
)

func encodeShiftRegImm(reg Reg, count uint8, subcode byte) ([]byte, error) {
	if count == 0 {
		return nil, fmt.Errorf("shift count must be non-zero")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := sizedInst(reg.size, 0xC1, 0xC0)
	in.reg = digit(subcode)
	in.rm = rmReg(info)
	in.imm = []byte{count}
	return in.bytes(), nil
}

// encodeShiftRegCL shifts reg by the count in cl.
func encodeShiftRegCL(reg Reg, subcode byte) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	in := sizedInst(reg.size, 0xD3, 0xD2)
	in.reg = digit(subcode)
	in.rm = rmReg(info)
	return in.bytes(), nil
}

func encodeSetcc(cond Cond, dst Reg) ([]byte, error) {
	if dst.size != size8 {
		return nil, fmt.Errorf("setcc requires an 8-bit register")
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return modrmInst{byteOp: true, opcode: []byte{0x0F, 0x90 | byte(cond&0xF)}, reg: digit(0), rm: rmReg(info)}.bytes(), nil
}

func encodeCallReg(target Reg) ([]byte, error) {
	if target.size != size64 {
		return nil, fmt.Errorf("call target must be a 64-bit register")
	}
	info, err := regInfo(target.id)
	if err != nil {
		return nil, err
	}
	return modrmInst{opcode: []byte{0xFF}, reg: digit(2), rm: rmReg(info)}.bytes(), nil
}

func encodeJumpReg(target Reg) ([]byte, error) {
	if target.size != size64 {
		return nil, fmt.Errorf("jump target must be a 64-bit register")
	}
	info, err := regInfo(target.id)
	if err != nil {
		return nil, err
	}
	return modrmInst{opcode: []byte{0xFF}, reg: digit(4), rm: rmReg(info)}.bytes(), nil
}

func encodePushReg(reg Reg) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return encodeOpReg(false, 0x50, info, false, nil), nil
}

func encodePopReg(reg Reg) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return encodeOpReg(false, 0x58, info, false, nil), nil
}

func encodePushMem(mem Memory) ([]byte, error) {
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return modrmInst{opcode: []byte{0xFF}, reg: digit(6), rm: rm}.bytes(), nil
}

func encodePopMem(mem Memory) ([]byte, error) {
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return modrmInst{opcode: []byte{0x8F}, reg: digit(0), rm: rm}.bytes(), nil
}

func encodeRet() []byte { return []byte{0xC3} }

// SSE2 scalar double instructions. Each entry is the mandatory prefix and
// the opcode byte following 0F.
type sseOp struct {
	prefix byte
	opcode byte
}

var (
	sseMovsdLoad  = sseOp{0xF2, 0x10}
	sseMovsdStore = sseOp{0xF2, 0x11}
	sseMovapd     = sseOp{0x66, 0x28}
	sseAddsd      = sseOp{0xF2, 0x58}
	sseMulsd      = sseOp{0xF2, 0x59}
	sseSubsd      = sseOp{0xF2, 0x5C}
	sseDivsd      = sseOp{0xF2, 0x5E}
	sseUcomisd    = sseOp{0x66, 0x2E}
	sseAndpd      = sseOp{0x66, 0x54}
	sseXorpd      = sseOp{0x66, 0x57}
	sseCvtsi2sd   = sseOp{0xF2, 0x2A}
	sseCvttsd2si  = sseOp{0xF2, 0x2C}
	sseMovqToXmm  = sseOp{0x66, 0x6E}
	sseMovqFromXm = sseOp{0x66, 0x7E}
)

func encodeSSE(op sseOp, w bool, reg registerCode, rm rmOperand) []byte {
	return modrmInst{prefix: op.prefix, w: w, opcode: []byte{0x0F, op.opcode}, reg: reg, rm: rm}.bytes()
}

// encodeSSERegReg encodes "op dst, src" on two xmm registers.
func encodeSSERegReg(op sseOp, dst, src XReg) ([]byte, error) {
	d, err := xmmInfo(dst)
	if err != nil {
		return nil, err
	}
	s, err := xmmInfo(src)
	if err != nil {
		return nil, err
	}
	return encodeSSE(op, false, d, rmReg(s)), nil
}

// encodeSSERegMem encodes "op xmm, [mem]", or for stores "op [mem], xmm".
func encodeSSERegMem(op sseOp, x XReg, mem Memory) ([]byte, error) {
	info, err := xmmInfo(x)
	if err != nil {
		return nil, err
	}
	rm, err := rmMem(mem)
	if err != nil {
		return nil, err
	}
	return encodeSSE(op, false, info, rm), nil
}

// encodeMovqXmmGP moves 64 bits between an xmm and a general register.
func encodeMovqXmmGP(x XReg, gp Reg, toXmm bool) ([]byte, error) {
	if gp.size != size64 {
		return nil, fmt.Errorf("movq requires a 64-bit register")
	}
	xi, err := xmmInfo(x)
	if err != nil {
		return nil, err
	}
	gi, err := regInfo(gp.id)
	if err != nil {
		return nil, err
	}
	op := sseMovqFromXm
	if toXmm {
		op = sseMovqToXmm
	}
	return encodeSSE(op, true, xi, rmReg(gi)), nil
}

// encodeCvtsi2sd converts a signed 64-bit integer (register or memory).
func encodeCvtsi2sd(dst XReg, src rmOperand) ([]byte, error) {
	d, err := xmmInfo(dst)
	if err != nil {
		return nil, err
	}
	return encodeSSE(sseCvtsi2sd, true, d, src), nil
}

// encodeCvttsd2si truncates a double (xmm or memory) into a 64-bit register.
func encodeCvttsd2si(dst Reg, src rmOperand) ([]byte, error) {
	if dst.size != size64 {
		return nil, fmt.Errorf("cvttsd2si requires a 64-bit destination")
	}
	d, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	return encodeSSE(sseCvttsd2si, true, d, src), nil
}
