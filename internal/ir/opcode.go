package ir

import "fmt"

// Opcode identifies an IR operation. The set is closed; code generators
// switch over it exhaustively.
type Opcode uint16

const (
	OpInvalid Opcode = iota

	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLshift
	OpIntRshift
	OpUintRshift
	OpIntNeg
	OpIntInvert

	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf

	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpUintLt
	OpUintLe
	OpUintGt
	OpUintGe
	OpIntIsTrue
	OpIntIsZero

	OpPtrEq
	OpPtrNe

	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTrueDiv
	OpFloatNeg
	OpFloatAbs
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe
	OpCastFloatToInt
	OpCastIntToFloat

	OpSameAsI
	OpSameAsR
	OpSameAsF

	OpGetfieldGCI
	OpGetfieldGCR
	OpGetfieldGCF
	OpSetfieldGC
	OpGetarrayitemGCI
	OpGetarrayitemGCR
	OpGetarrayitemGCF
	OpSetarrayitemGC
	OpArraylenGC

	OpNew
	OpNewWithVtable
	OpNewArray

	OpCallI
	OpCallR
	OpCallF
	OpCallN

	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNoOverflow
	OpGuardOverflow

	OpJump
	OpFinish

	OpDebugMergePoint

	opcodeCount
)

type opFlags uint16

const (
	flagGuard opFlags = 1 << iota
	flagFinal
	flagComparison
	flagOverflow
	flagDescr
	flagPure
	flagCall
	flagVariadic
)

type opInfo struct {
	name   string
	args   []Kind
	result Kind
	flags  opFlags
}

var (
	sigII = []Kind{KindInt, KindInt}
	sigI  = []Kind{KindInt}
	sigRR = []Kind{KindRef, KindRef}
	sigR  = []Kind{KindRef}
	sigFF = []Kind{KindFloat, KindFloat}
	sigF  = []Kind{KindFloat}
	sigRI = []Kind{KindRef, KindInt}
)

func intBinary(name string) opInfo {
	return opInfo{name: name, args: sigII, result: KindInt, flags: flagPure}
}

func intCompare(name string) opInfo {
	return opInfo{name: name, args: sigII, result: KindInt, flags: flagPure | flagComparison}
}

func floatCompare(name string) opInfo {
	return opInfo{name: name, args: sigFF, result: KindInt, flags: flagPure | flagComparison}
}

var opInfos = [opcodeCount]opInfo{
	OpInvalid: {name: "invalid"},

	OpIntAdd:      intBinary("int_add"),
	OpIntSub:      intBinary("int_sub"),
	OpIntMul:      intBinary("int_mul"),
	OpIntFloorDiv: intBinary("int_floordiv"),
	OpIntMod:      intBinary("int_mod"),
	OpIntAnd:      intBinary("int_and"),
	OpIntOr:       intBinary("int_or"),
	OpIntXor:      intBinary("int_xor"),
	OpIntLshift:   intBinary("int_lshift"),
	OpIntRshift:   intBinary("int_rshift"),
	OpUintRshift:  intBinary("uint_rshift"),
	OpIntNeg:      {name: "int_neg", args: sigI, result: KindInt, flags: flagPure},
	OpIntInvert:   {name: "int_invert", args: sigI, result: KindInt, flags: flagPure},

	OpIntAddOvf: {name: "int_add_ovf", args: sigII, result: KindInt, flags: flagOverflow},
	OpIntSubOvf: {name: "int_sub_ovf", args: sigII, result: KindInt, flags: flagOverflow},
	OpIntMulOvf: {name: "int_mul_ovf", args: sigII, result: KindInt, flags: flagOverflow},

	OpIntLt:     intCompare("int_lt"),
	OpIntLe:     intCompare("int_le"),
	OpIntEq:     intCompare("int_eq"),
	OpIntNe:     intCompare("int_ne"),
	OpIntGt:     intCompare("int_gt"),
	OpIntGe:     intCompare("int_ge"),
	OpUintLt:    intCompare("uint_lt"),
	OpUintLe:    intCompare("uint_le"),
	OpUintGt:    intCompare("uint_gt"),
	OpUintGe:    intCompare("uint_ge"),
	OpIntIsTrue: {name: "int_is_true", args: sigI, result: KindInt, flags: flagPure | flagComparison},
	OpIntIsZero: {name: "int_is_zero", args: sigI, result: KindInt, flags: flagPure | flagComparison},

	OpPtrEq: {name: "ptr_eq", args: sigRR, result: KindInt, flags: flagPure | flagComparison},
	OpPtrNe: {name: "ptr_ne", args: sigRR, result: KindInt, flags: flagPure | flagComparison},

	OpFloatAdd:       {name: "float_add", args: sigFF, result: KindFloat, flags: flagPure},
	OpFloatSub:       {name: "float_sub", args: sigFF, result: KindFloat, flags: flagPure},
	OpFloatMul:       {name: "float_mul", args: sigFF, result: KindFloat, flags: flagPure},
	OpFloatTrueDiv:   {name: "float_truediv", args: sigFF, result: KindFloat, flags: flagPure},
	OpFloatNeg:       {name: "float_neg", args: sigF, result: KindFloat, flags: flagPure},
	OpFloatAbs:       {name: "float_abs", args: sigF, result: KindFloat, flags: flagPure},
	OpFloatLt:        floatCompare("float_lt"),
	OpFloatLe:        floatCompare("float_le"),
	OpFloatEq:        floatCompare("float_eq"),
	OpFloatNe:        floatCompare("float_ne"),
	OpFloatGt:        floatCompare("float_gt"),
	OpFloatGe:        floatCompare("float_ge"),
	OpCastFloatToInt: {name: "cast_float_to_int", args: sigF, result: KindInt, flags: flagPure},
	OpCastIntToFloat: {name: "cast_int_to_float", args: sigI, result: KindFloat, flags: flagPure},

	OpSameAsI: {name: "same_as_i", args: sigI, result: KindInt, flags: flagPure},
	OpSameAsR: {name: "same_as_r", args: sigR, result: KindRef, flags: flagPure},
	OpSameAsF: {name: "same_as_f", args: sigF, result: KindFloat, flags: flagPure},

	OpGetfieldGCI:     {name: "getfield_gc_i", args: sigR, result: KindInt, flags: flagDescr},
	OpGetfieldGCR:     {name: "getfield_gc_r", args: sigR, result: KindRef, flags: flagDescr},
	OpGetfieldGCF:     {name: "getfield_gc_f", args: sigR, result: KindFloat, flags: flagDescr},
	OpSetfieldGC:      {name: "setfield_gc", args: []Kind{KindRef, kindAny}, flags: flagDescr},
	OpGetarrayitemGCI: {name: "getarrayitem_gc_i", args: sigRI, result: KindInt, flags: flagDescr},
	OpGetarrayitemGCR: {name: "getarrayitem_gc_r", args: sigRI, result: KindRef, flags: flagDescr},
	OpGetarrayitemGCF: {name: "getarrayitem_gc_f", args: sigRI, result: KindFloat, flags: flagDescr},
	OpSetarrayitemGC:  {name: "setarrayitem_gc", args: []Kind{KindRef, KindInt, kindAny}, flags: flagDescr},
	OpArraylenGC:      {name: "arraylen_gc", args: sigR, result: KindInt, flags: flagDescr},

	OpNew:           {name: "new", args: []Kind{}, result: KindRef, flags: flagDescr | flagCall},
	OpNewWithVtable: {name: "new_with_vtable", args: sigR, result: KindRef, flags: flagDescr | flagCall},
	OpNewArray:      {name: "new_array", args: sigI, result: KindRef, flags: flagDescr | flagCall},

	OpCallI: {name: "call_i", result: KindInt, flags: flagDescr | flagCall | flagVariadic},
	OpCallR: {name: "call_r", result: KindRef, flags: flagDescr | flagCall | flagVariadic},
	OpCallF: {name: "call_f", result: KindFloat, flags: flagDescr | flagCall | flagVariadic},
	OpCallN: {name: "call_n", flags: flagDescr | flagCall | flagVariadic},

	OpGuardTrue:       {name: "guard_true", args: sigI, flags: flagGuard},
	OpGuardFalse:      {name: "guard_false", args: sigI, flags: flagGuard},
	OpGuardValue:      {name: "guard_value", args: []Kind{kindAny, kindAny}, flags: flagGuard},
	OpGuardClass:      {name: "guard_class", args: sigRR, flags: flagGuard},
	OpGuardNonnull:    {name: "guard_nonnull", args: sigR, flags: flagGuard},
	OpGuardIsnull:     {name: "guard_isnull", args: sigR, flags: flagGuard},
	OpGuardNoOverflow: {name: "guard_no_overflow", args: []Kind{}, flags: flagGuard},
	OpGuardOverflow:   {name: "guard_overflow", args: []Kind{}, flags: flagGuard},

	OpJump:   {name: "jump", flags: flagFinal | flagVariadic},
	OpFinish: {name: "finish", flags: flagFinal | flagVariadic},

	OpDebugMergePoint: {name: "debug_merge_point", args: []Kind{}},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, opcodeCount)
	for i := Opcode(1); i < opcodeCount; i++ {
		m[opInfos[i].name] = i
	}
	return m
}()

// Opcodes returns every valid opcode in declaration order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, opcodeCount-1)
	for i := Opcode(1); i < opcodeCount; i++ {
		out = append(out, i)
	}
	return out
}

// LookupOpcode finds an opcode by its textual name.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

func (o Opcode) info() *opInfo {
	if o >= opcodeCount {
		return &opInfos[OpInvalid]
	}
	return &opInfos[o]
}

func (o Opcode) String() string {
	if o >= opcodeCount {
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
	return opInfos[o].name
}

func (o Opcode) Valid() bool { return o > OpInvalid && o < opcodeCount }

func (o Opcode) IsGuard() bool { return o.info().flags&flagGuard != 0 }

// IsFinal reports whether o ends a trace (jump or finish).
func (o Opcode) IsFinal() bool { return o.info().flags&flagFinal != 0 }

func (o Opcode) IsComparison() bool { return o.info().flags&flagComparison != 0 }

// IsOverflow reports whether o must be followed by an overflow guard.
func (o Opcode) IsOverflow() bool { return o.info().flags&flagOverflow != 0 }

func (o Opcode) IsCall() bool { return o.info().flags&flagCall != 0 }

func (o Opcode) NeedsDescr() bool { return o.info().flags&flagDescr != 0 }

// ExitsTrace reports whether ops with this opcode can leave compiled code
// through a fail descriptor.
func (o Opcode) ExitsTrace() bool { return o.IsGuard() || o == OpFinish }

func (o Opcode) ResultKind() Kind { return o.info().result }

// Arity returns the fixed argument count, or -1 for variadic opcodes.
func (o Opcode) Arity() int {
	info := o.info()
	if info.flags&flagVariadic != 0 {
		return -1
	}
	return len(info.args)
}
