// Package cpu is the entry point of the JIT backend: it compiles loops and
// bridges into executable memory, owns the frame compiled code runs
// against and routes guard failures back into Go.
package cpu

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"

	"github.com/tinyrange/tracejit/internal/asm"
	"github.com/tinyrange/tracejit/internal/backend"
	"github.com/tinyrange/tracejit/internal/codemem"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/regalloc"
	"github.com/tinyrange/tracejit/internal/timeslice"
)

var (
	tsCompile = timeslice.RegisterKind("cpu::compile", timeslice.SliceFlagCompileTime)
	tsLoad    = timeslice.RegisterKind("cpu::load", timeslice.SliceFlagCompileTime)
	tsPatch   = timeslice.RegisterKind("cpu::patch", timeslice.SliceFlagCompileTime)
	tsExecute = timeslice.RegisterKind("cpu::execute", timeslice.SliceFlagNativeTime)
)

// Option configures a CPU.
type Option func(*CPU)

// WithLogger sets the logger compile and bridge events go to.
func WithLogger(l *slog.Logger) Option {
	return func(c *CPU) { c.log = l }
}

// WithGCHooks lets compiled code allocate and announce pointer stores.
func WithGCHooks(h GCHooks) Option {
	return func(c *CPU) { c.gc = h }
}

// WithGuardFailureHook registers fn to run every time a guard without a
// bridge fails, before control returns to the caller of ExecuteToken.
func WithGuardFailureHook(fn func(*FailDescr)) Option {
	return func(c *CPU) { c.onFailure = fn }
}

// CPU compiles traces for the host machine and executes them. Compilation
// and execution are serialized by the caller; the CPU only detects
// re-entry.
type CPU struct {
	cfg       Config
	log       *slog.Logger
	gc        GCHooks
	onFailure func(*FailDescr)

	be     backend.Backend
	code   *codemem.Memory
	descrs *ir.DescrCache
	handle uintptr
	hooks  backend.Hooks

	mu        sync.Mutex
	exits     []*FailDescr
	tokens    []*LoopToken
	bridges   []codemem.Block
	frame     *frame
	maxDepth  int
	maxValues int
	closed    bool

	executing atomic.Bool
	// callbackErr is a panic recovered inside a native callback.
	callbackErr error
}

var (
	owners     sync.Map // handle -> *CPU
	nextHandle atomic.Uintptr
)

func ownerOf(handle uintptr) *CPU {
	v, ok := owners.Load(handle)
	if !ok {
		return nil
	}
	return v.(*CPU)
}

// New creates a CPU for the host architecture.
func New(cfg Config, opts ...Option) (*CPU, error) {
	if err := supported(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	be, err := backend.Lookup(arch)
	if err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}

	c := &CPU{
		cfg:    cfg,
		be:     be,
		descrs: ir.NewDescrCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		lvl, _ := cfg.Level()
		c.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}

	if c.frame, err = newFrame(); err != nil {
		return nil, err
	}
	c.code = newCodeMemory(int(cfg.CodeChunkSize))
	c.hooks = installCallbacks(c.gc)
	c.handle = nextHandle.Add(1)
	owners.Store(c.handle, c)
	return c, nil
}

// Descrs is the descriptor arena traces for this CPU should draw from.
func (c *CPU) Descrs() *ir.DescrCache { return c.descrs }

// Close releases the code and the frame. Tokens of this CPU must not be
// executed afterwards.
func (c *CPU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.executing.Load() {
		return ErrExecuting
	}
	c.closed = true
	owners.Delete(c.handle)
	return errors.Join(c.code.Close(), c.frame.close())
}

func (c *CPU) limits() backend.Limits {
	return backend.Limits{
		MaxIntRegisters:   c.cfg.MaxIntRegisters,
		MaxFloatRegisters: c.cfg.MaxFloatRegisters,
		DebugChecks:       c.cfg.DebugChecks,
	}
}

// loaded is a compiled trace placed in code memory.
type loaded struct {
	res   *backend.Result
	block codemem.Block
	exits []*FailDescr
}

func (l *loaded) addr(off int) uintptr { return l.block.Addr + uintptr(off) }

// compile runs the backend, loads the code and registers the exits. The
// caller holds c.mu.
func (c *CPU) compile(req *backend.Request) (*loaded, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := req.Trace.Validate(); err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	req.FirstExit = len(c.exits)
	req.Hooks = c.hooks
	req.Limits = c.limits()

	rec := timeslice.NewRecorder()
	res, err := c.be.Compile(req)
	rec.Record(tsCompile)
	if err != nil {
		return nil, err
	}

	block, err := c.code.Allocate(res.Program.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cpu: load %s: %w", req.Trace.Name, err)
	}
	rec.Record(tsLoad)

	for i, e := range res.Exits {
		if want := req.FirstExit + i; e.Index != want {
			c.code.Free(block)
			return nil, fmt.Errorf("%w: exit %d registered as %d", ErrInternal, e.Index, want)
		}
	}

	l := &loaded{res: res, block: block}
	for _, e := range res.Exits {
		fd := &FailDescr{
			Index:      e.Index,
			Guard:      e.Opcode,
			Kinds:      e.Kinds,
			Trace:      req.Trace.Name,
			cpu:        c,
			slots:      e.Slots,
			frameDepth: e.FrameDepth,
		}
		if e.PatchOffset >= 0 {
			fd.site = asm.NewPatchSite(l.addr(e.PatchOffset))
		}
		c.exits = append(c.exits, fd)
		l.exits = append(l.exits, fd)
	}
	c.maxDepth = max(c.maxDepth, res.FrameDepth)
	c.maxValues = max(c.maxValues, res.MaxValues)

	c.log.Debug("compiled trace",
		"trace", req.Trace.Name,
		"ops", len(req.Trace.Ops),
		"code", units.BytesSize(float64(block.Size)),
		"frame_depth", res.FrameDepth,
		"exits", len(res.Exits),
		"bridge", req.Bridge,
	)
	return l, nil
}

// CompileLoop compiles a loop over inputs. A jump with a nil descriptor or
// the returned token loops back to the start of ops.
func (c *CPU) CompileLoop(inputs []*ir.Box, ops []*ir.Op) (*LoopToken, error) {
	c.mu.Lock()
	name := fmt.Sprintf("loop%d", len(c.tokens))
	c.mu.Unlock()
	return c.CompileTrace(ir.NewTrace(name, inputs, ops))
}

// CompileTrace is CompileLoop for an already assembled trace.
func (c *CPU) CompileTrace(t *ir.Trace) (*LoopToken, error) {
	if c.executing.Load() {
		return nil, ErrExecuting
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tok := &LoopToken{name: t.Name, cpu: c, kinds: t.InputKinds()}
	l, err := c.compile(&backend.Request{Trace: t, Self: tok})
	if err != nil {
		return nil, err
	}
	tok.locs = l.res.InputLocations
	tok.block = l.block
	tok.entry = l.addr(l.res.EntryOffset)
	tok.body = l.addr(l.res.BodyOffset)
	tok.frameDepth = l.res.FrameDepth
	tok.exits = l.exits
	c.tokens = append(c.tokens, tok)
	return tok, nil
}

// CompileBridge compiles ops as the continuation of the guard fd and
// redirects the guard's failure path into it. The inputs receive the
// guard's fail values in order.
func (c *CPU) CompileBridge(fd *FailDescr, inputs []*ir.Box, ops []*ir.Op) error {
	if c.executing.Load() {
		return ErrExecuting
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if fd == nil || fd.cpu != c {
		return fmt.Errorf("cpu: fail descriptor %v belongs to another CPU", fd)
	}
	if fd.IsFinish() || fd.site == nil {
		return fmt.Errorf("cpu: %v is not a guard", fd)
	}
	if fd.HasBridge() || fd.site.Used() {
		return fmt.Errorf("%w: %v", ErrBridgeAttached, fd)
	}
	if len(inputs) != len(fd.Kinds) {
		return fmt.Errorf("%w: bridge takes %d inputs, guard has %d fail values", ErrKindMismatch, len(inputs), len(fd.Kinds))
	}
	for i, b := range inputs {
		if b.Kind() != fd.Kinds[i] {
			return fmt.Errorf("%w: bridge input %d is %s, fail value is %s", ErrKindMismatch, i, b.Kind(), fd.Kinds[i])
		}
	}

	t := ir.NewTrace(fmt.Sprintf("bridge%d", fd.Index), inputs, ops)
	l, err := c.compile(&backend.Request{
		Trace:      t,
		Bridge:     true,
		InputSlots: fd.slots,
		FrameStart: fd.frameDepth,
	})
	if err != nil {
		return err
	}

	rec := timeslice.NewRecorder()
	body := l.addr(l.res.BodyOffset)
	if err := fd.site.Patch(body, c.code); err != nil {
		c.exits = c.exits[:len(c.exits)-len(l.exits)]
		c.code.Free(l.block)
		return fmt.Errorf("cpu: attach bridge to %v: %w", fd, err)
	}
	rec.Record(tsPatch)
	fd.BridgeAddr = body
	fd.bridgeExits = l.exits
	c.bridges = append(c.bridges, l.block)

	c.log.Info("bridge attached",
		"guard", fd.Index,
		"opcode", fd.Guard,
		"trace", fd.Trace,
		"addr", fmt.Sprintf("%#x", body),
		"failures", fd.Failures,
	)
	return nil
}

// ExecuteToken runs tok with the values set through SetFutureValue* and
// returns the descriptor of the exit it left through. The exit's values
// are then available through GetLatestValue*.
func (c *CPU) ExecuteToken(tok *LoopToken) (*FailDescr, error) {
	if tok == nil || tok.cpu != c {
		return nil, fmt.Errorf("cpu: token %v belongs to another CPU", tok)
	}
	if !c.executing.CompareAndSwap(false, true) {
		return nil, ErrExecuting
	}
	defer c.executing.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err := c.frame.checkInputs(tok.kinds); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.frame.reserve(c.maxDepth, c.maxValues); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.frame.prepare(c.handle)
	c.callbackErr = nil
	c.mu.Unlock()

	rec := timeslice.NewRecorder()
	ret := enter(tok.entry, c.frame.addr())
	rec.Record(tsExecute)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.callbackErr; err != nil {
		return nil, err
	}
	idx := c.frame.descr()
	if idx != uint64(ret) || idx >= uint64(len(c.exits)) {
		return nil, fmt.Errorf("%w: compiled code returned %d with descriptor %d", ErrInternal, ret, idx)
	}
	fd := c.exits[idx]
	c.frame.settle(fd.Kinds)
	return fd, nil
}

// guardFailed runs on the native stack when guard k fails. It returns the
// bridge to continue in, or 0 to leave compiled code.
func (c *CPU) guardFailed(k int) (bridge uintptr) {
	defer c.recoverCallback("guard failure")
	c.mu.Lock()
	if k < 0 || k >= len(c.exits) {
		c.mu.Unlock()
		c.callbackErr = fmt.Errorf("%w: failure callback for unknown exit %d", ErrInternal, k)
		return 0
	}
	fd := c.exits[k]
	fd.Failures++
	c.mu.Unlock()

	if c.onFailure != nil {
		c.onFailure(fd)
	}
	return fd.BridgeAddr
}

func (c *CPU) malloc(size uintptr) (p uintptr) {
	defer c.recoverCallback("malloc")
	if c.gc.Malloc == nil {
		return 0
	}
	return c.gc.Malloc(size)
}

func (c *CPU) writeBarrier(obj uintptr) {
	defer c.recoverCallback("write barrier")
	if c.gc.WriteBarrier != nil {
		c.gc.WriteBarrier(obj)
	}
}

// recoverCallback keeps a panic from unwinding through native frames. The
// error is reported by ExecuteToken.
func (c *CPU) recoverCallback(what string) {
	if r := recover(); r != nil {
		c.callbackErr = fmt.Errorf("cpu: %s callback panicked: %v", what, r)
	}
}

func (c *CPU) SetFutureValueInt(i int, v int64) error {
	return c.setValue(i, ir.KindInt, uint64(v))
}

func (c *CPU) SetFutureValueRef(i int, v uintptr) error {
	return c.setValue(i, ir.KindRef, uint64(v))
}

func (c *CPU) SetFutureValueFloat(i int, v float64) error {
	return c.setValue(i, ir.KindFloat, math.Float64bits(v))
}

func (c *CPU) setValue(i int, k ir.Kind, bits uint64) error {
	if c.executing.Load() {
		return ErrExecuting
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame.set(i, k, bits)
}

func (c *CPU) GetLatestValueInt(i int) (int64, error) {
	bits, err := c.getValue(i, ir.KindInt)
	return int64(bits), err
}

func (c *CPU) GetLatestValueRef(i int) (uintptr, error) {
	bits, err := c.getValue(i, ir.KindRef)
	return uintptr(bits), err
}

func (c *CPU) GetLatestValueFloat(i int) (float64, error) {
	bits, err := c.getValue(i, ir.KindFloat)
	return math.Float64frombits(bits), err
}

func (c *CPU) getValue(i int, k ir.Kind) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame.get(i, k)
}

// SetSideChannel stores an opaque word in the frame header for the
// embedding runtime.
func (c *CPU) SetSideChannel(v uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frame.hdr.w[regalloc.FrameSideWord] = uint64(v)
}

func (c *CPU) SideChannel() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uintptr(c.frame.hdr.w[regalloc.FrameSideWord])
}

// Code returns a copy of tok's machine code.
func (c *CPU) Code(tok *LoopToken) ([]byte, error) {
	return c.code.Read(tok.block.Addr, tok.block.Size)
}

// CodeStats reports code memory usage.
func (c *CPU) CodeStats() codemem.Stats { return c.code.Stats() }
