package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/tracejit/internal/cpu"
	"github.com/tinyrange/tracejit/internal/interp"
	"github.com/tinyrange/tracejit/internal/ir"
	"github.com/tinyrange/tracejit/internal/timeslice"
	"github.com/tinyrange/tracejit/internal/tracefile"
)

type tracerun struct {
	cpu     *cpu.CPU
	prog    *tracefile.Program
	tokens  map[string]*cpu.LoopToken
	exits   map[*ir.Op]*cpu.FailDescr
	bridges bool
	log     *slog.Logger
}

func newTracerun() *tracerun {
	return &tracerun{
		tokens: make(map[string]*cpu.LoopToken),
		exits:  make(map[*ir.Op]*cpu.FailDescr),
	}
}

func parseInputs(s string, kinds []ir.Kind) ([]uint64, error) {
	var fields []string
	if s != "" {
		fields = strings.Split(s, ",")
	}
	if len(fields) != len(kinds) {
		return nil, fmt.Errorf("trace takes %d inputs, got %d", len(kinds), len(fields))
	}
	words := make([]uint64, len(kinds))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		switch kinds[i] {
		case ir.KindFloat:
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			words[i] = math.Float64bits(v)
		case ir.KindRef:
			v, err := strconv.ParseUint(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			words[i] = v
		default:
			v, err := strconv.ParseInt(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			words[i] = uint64(v)
		}
	}
	return words, nil
}

func formatValue(k ir.Kind, w uint64) string {
	switch k {
	case ir.KindFloat:
		return strconv.FormatFloat(math.Float64frombits(w), 'g', -1, 64)
	case ir.KindRef:
		return fmt.Sprintf("%#x", w)
	}
	return strconv.FormatInt(int64(w), 10)
}

func (r *tracerun) resolve(name string) (ir.Descr, error) {
	tok, ok := r.tokens[name]
	if !ok {
		return nil, fmt.Errorf("jump to %s, which is not compiled yet", name)
	}
	return tok, nil
}

// compile compiles every loop in file order, then attaches the bridges
// unless they are disabled.
func (r *tracerun) compile() error {
	for _, t := range r.prog.Loops() {
		if err := t.Link(r.resolve); err != nil {
			return err
		}
		tok, err := r.cpu.CompileTrace(t.Trace)
		if err != nil {
			return err
		}
		r.tokens[t.Name] = tok
		for i, fd := range tok.Exits() {
			r.exits[t.Exits[i]] = fd
		}
	}
	if !r.bridges {
		return nil
	}
	for _, b := range r.prog.Bridges() {
		if err := b.Link(r.resolve); err != nil {
			return err
		}
		fd := r.exits[b.Continues]
		if err := r.cpu.CompileBridge(fd, b.Inputs, b.Ops); err != nil {
			return fmt.Errorf("bridge %s: %w", b.Name, err)
		}
		for i, e := range fd.BridgeExits() {
			r.exits[b.Exits[i]] = e
		}
	}
	return nil
}

func (r *tracerun) execute(tok *cpu.LoopToken, words []uint64) (*cpu.FailDescr, []uint64, error) {
	for i, k := range tok.InputKinds() {
		var err error
		switch k {
		case ir.KindFloat:
			err = r.cpu.SetFutureValueFloat(i, math.Float64frombits(words[i]))
		case ir.KindRef:
			err = r.cpu.SetFutureValueRef(i, uintptr(words[i]))
		default:
			err = r.cpu.SetFutureValueInt(i, int64(words[i]))
		}
		if err != nil {
			return nil, nil, err
		}
	}
	fd, err := r.cpu.ExecuteToken(tok)
	if err != nil {
		return nil, nil, err
	}
	vals := make([]uint64, len(fd.Kinds))
	for i, k := range fd.Kinds {
		switch k {
		case ir.KindFloat:
			v, err := r.cpu.GetLatestValueFloat(i)
			if err != nil {
				return nil, nil, err
			}
			vals[i] = math.Float64bits(v)
		case ir.KindRef:
			v, err := r.cpu.GetLatestValueRef(i)
			if err != nil {
				return nil, nil, err
			}
			vals[i] = uint64(v)
		default:
			v, err := r.cpu.GetLatestValueInt(i)
			if err != nil {
				return nil, nil, err
			}
			vals[i] = uint64(v)
		}
	}
	return fd, vals, nil
}

// check runs the loop in the interpreter and compares the outcome. The
// interpreter follows only the bridges that were attached.
func (r *tracerun) check(loop *tracefile.Trace, words []uint64, fd *cpu.FailDescr, vals []uint64) error {
	env := r.prog.Env()
	if !r.bridges {
		env.Bridges = nil
	}
	out, err := interp.Run(loop.Trace, words, env)
	if err != nil {
		return fmt.Errorf("interpreter: %w", err)
	}
	if r.exits[out.Exit] != fd {
		return fmt.Errorf("interpreter left through %s, compiled code through %v", out.Exit, fd)
	}
	for i := range out.Values {
		if out.Values[i] != vals[i] {
			return fmt.Errorf("value %d: interpreter %s, compiled code %s", i,
				formatValue(out.Kinds[i], out.Values[i]), formatValue(out.Kinds[i], vals[i]))
		}
	}
	r.log.Info("interpreter agrees", "steps", out.Steps)
	return nil
}

func (r *tracerun) run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("tracerun", flag.ContinueOnError)
	fs.SetOutput(stderr)

	traceFile := fs.String("trace", "", "YAML trace file to compile")
	configFile := fs.String("config", "", "YAML CPU configuration")
	loopName := fs.String("loop", "", "Loop to execute (default: the first loop in the file)")
	input := fs.String("input", "", "Comma separated input values")
	bridges := fs.Bool("bridges", true, "Attach the bridges declared in the trace file")
	iterations := fs.Int("iterations", 1, "Number of times to execute the loop")
	dump := fs.Bool("dump", false, "Print the machine code of every compiled loop")
	check := fs.Bool("check", false, "Compare the result with the reference interpreter")
	tsFile := fs.String("timeslice", "", "Record compile and execution timeslices to this file")
	example := fs.String("example", "", "Write an example trace file to this path and exit")
	verbose := fs.Bool("v", false, "Log every compiled trace")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	r.bridges = *bridges

	if *example != "" {
		return tracefile.Write(*example, tracefile.Example())
	}
	if *traceFile == "" {
		fs.Usage()
		return fmt.Errorf("-trace is required")
	}

	cfg := cpu.DefaultConfig()
	if *configFile != "" {
		loaded, err := cpu.LoadConfig(*configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	r.log = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if *tsFile != "" {
		f, err := os.Create(*tsFile)
		if err != nil {
			return fmt.Errorf("failed to create timeslice file: %w", err)
		}
		defer f.Close()

		closer, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("failed to start recording timeslices: %w", err)
		}
		defer closer.Close()
	}

	c, err := cpu.New(cfg,
		cpu.WithLogger(r.log),
		cpu.WithGuardFailureHook(func(fd *cpu.FailDescr) {
			r.log.Debug("guard failed", "exit", fd.String(), "failures", fd.Failures)
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()
	r.cpu = c

	if r.prog, err = tracefile.LoadFile(*traceFile, c.Descrs()); err != nil {
		return err
	}
	if err := r.compile(); err != nil {
		return err
	}

	loops := r.prog.Loops()
	if len(loops) == 0 {
		return fmt.Errorf("%s declares no loop to execute", *traceFile)
	}
	loop := loops[0]
	if *loopName != "" {
		t, ok := r.prog.Trace(*loopName)
		if !ok || t.IsBridge() {
			return fmt.Errorf("no loop named %s", *loopName)
		}
		loop = t
	}
	tok := r.tokens[loop.Name]

	if *dump {
		for _, t := range loops {
			code, err := c.Code(r.tokens[t.Name])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s (%d bytes):\n%s", t.Name, len(code), hex.Dump(code))
		}
	}

	words, err := parseInputs(*input, tok.InputKinds())
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if f, ok := stderr.(*os.File); ok && *iterations > 1 && term.IsTerminal(int(f.Fd())) {
		bar = progressbar.Default(int64(*iterations), "executing "+loop.Name)
		defer bar.Close()
	}

	var fd *cpu.FailDescr
	var vals []uint64
	for range max(*iterations, 1) {
		if fd, vals, err = r.execute(tok, words); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	fmt.Fprintf(stdout, "exit %v\n", fd)
	for i, k := range fd.Kinds {
		fmt.Fprintf(stdout, "  [%d] %s %s\n", i, k, formatValue(k, vals[i]))
	}
	r.log.Debug("code memory", "stats", c.CodeStats().String())

	if *check {
		return r.check(loop, words, fd, vals)
	}
	return nil
}

func main() {
	if err := newTracerun().run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tracerun: %v\n", err)
		os.Exit(1)
	}
}
