// tapevm: bounded tape virtual machine
//
// This is the command-line entry point. It runs programs directly, checks
// the built-in self tests, manages deployed programs and their run history,
// and serves the Runner gRPC service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fortiblox/tapevm/pkg/config"
	"github.com/fortiblox/tapevm/pkg/programstore"
	"github.com/fortiblox/tapevm/pkg/rpc"
	"github.com/fortiblox/tapevm/pkg/runlog"
	"github.com/fortiblox/tapevm/pkg/tvm"
	"github.com/fortiblox/tapevm/pkg/tvm/executor"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

const usage = `usage: tapevm [flags] <command> [args]

commands:
  run [-trace] [-input s] [-max n] [-tape n] <file>   run a program file
  selftest                                            run the built-in programs
  deploy <file>                                       store a program, print its id
  exec [-input s] [-max n] [-tape n] <id>             run a stored program
  programs                                            list stored programs
  history [-n count] <id>                             show recent runs of a program
  serve                                               serve the Runner gRPC service

flags:
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every command needs.
type app struct {
	cfg    config.Config
	log    *zap.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tapevm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "Path to a TOML configuration file")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory for programs and run history (overrides config)")
	listenAddr := fs.String("listen", "", "gRPC listen address for serve (overrides config)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "tapevm %s (%s)\n", Version, GitCommit)
		return 0
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
			fmt.Fprintf(stderr, "log level: %v\n", err)
			return 2
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger := setupLogger(stderr, cfg.LogLevel)
	defer logger.Sync()

	a := &app{cfg: cfg, log: logger, stdin: stdin, stdout: stdout, stderr: stderr}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		return a.cmdRun(rest)
	case "selftest":
		return a.cmdSelfTest()
	case "deploy":
		return a.cmdDeploy(rest)
	case "exec":
		return a.cmdExec(rest)
	case "programs":
		return a.cmdPrograms()
	case "history":
		return a.cmdHistory(rest)
	case "serve":
		return a.cmdServe()
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
}

// setupLogger builds a console logger on w.
func setupLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(w),
		level,
	))
}

// limitFlags registers the per-run limit flags shared by run and exec.
type limitFlags struct {
	input    *string
	maxSteps *uint64
	tape     *int
	fs       *flag.FlagSet
}

func newLimitFlags(name string, stderr io.Writer) *limitFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return &limitFlags{
		fs:       fs,
		input:    fs.String("input", "", "Program input (default: read stdin)"),
		maxSteps: fs.Uint64("max", 0, "Instruction ceiling (0 = configured default)"),
		tape:     fs.Int("tape", 0, "Tape size in cells (0 = configured default)"),
	}
}

// inputSet reports whether -input was given, so an empty string is a valid
// explicit input.
func (f *limitFlags) inputSet() bool {
	set := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "input" {
			set = true
		}
	})
	return set
}

func (a *app) cmdRun(args []string) int {
	lf := newLimitFlags("run", a.stderr)
	trace := lf.fs.Bool("trace", false, "Write a step trace to stderr")
	if err := lf.fs.Parse(args); err != nil {
		return 2
	}
	if lf.fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "usage: tapevm run [-trace] [-input s] [-max n] [-tape n] <file>")
		return 2
	}

	prog, err := loader.LoadFile(lf.fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}

	opts := []tvm.Option{tvm.WithOutput(a.stdout)}
	if lf.inputSet() {
		opts = append(opts, tvm.WithInputString(*lf.input))
	} else {
		opts = append(opts, tvm.WithInput(a.stdin))
	}

	runCfg := tvm.RunConfig{
		TapeSize:        a.cfg.VM.TapeSize,
		MaxInstructions: a.cfg.VM.MaxInstructions,
		Trace:           *trace,
		TraceWriter:     a.stderr,
	}
	if *lf.tape != 0 {
		runCfg.TapeSize = *lf.tape
	}
	if *lf.maxSteps != 0 {
		runCfg.MaxInstructions = *lf.maxSteps
	}

	if _, err := tvm.NewFromProgram(prog, opts...).Run(runCfg); err != nil {
		return a.fail(err)
	}
	return 0
}

func (a *app) cmdSelfTest() int {
	failed := 0
	for _, r := range tvm.RunSelfTests() {
		verdict := "Success"
		if !r.Passed() {
			verdict = "Failed"
			failed++
			a.log.Debug("self test failed",
				zap.String("test", r.Test.Name),
				zap.String("output", r.Output),
				zap.String("want", r.Test.Want),
				zap.Error(r.Err))
		}
		fmt.Fprintf(a.stdout, "Test %-20s: %s\n", "'"+r.Test.Name+"'", verdict)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func (a *app) cmdDeploy(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(a.stderr, "usage: tapevm deploy <file>")
		return 2
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return a.fail(err)
	}

	exec, closeAll, err := a.openExecutor()
	if err != nil {
		return a.fail(err)
	}
	defer closeAll()

	id, err := exec.Deploy(string(source))
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, id)
	return 0
}

func (a *app) cmdExec(args []string) int {
	lf := newLimitFlags("exec", a.stderr)
	if err := lf.fs.Parse(args); err != nil {
		return 2
	}
	if lf.fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "usage: tapevm exec [-input s] [-max n] [-tape n] <id>")
		return 2
	}
	id, err := types.ProgramIDFromBase58(lf.fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}

	var input []byte
	if lf.inputSet() {
		input = []byte(*lf.input)
	} else if input, err = io.ReadAll(io.LimitReader(a.stdin, int64(a.cfg.VM.MaxInputSize)+1)); err != nil {
		return a.fail(err)
	}

	exec, closeAll, err := a.openExecutor()
	if err != nil {
		return a.fail(err)
	}
	defer closeAll()

	res, err := exec.Execute(context.Background(), executor.Request{
		ProgramID:       id,
		Input:           input,
		TapeSize:        *lf.tape,
		MaxInstructions: *lf.maxSteps,
	})
	if err != nil {
		return a.fail(err)
	}

	if _, err := a.stdout.Write(res.Output); err != nil {
		return a.fail(fmt.Errorf("write output: %w", err))
	}
	a.log.Info("run recorded",
		zap.Stringer("run", res.RunID),
		zap.Uint64("instructions", res.Instructions),
		zap.Duration("duration", res.Duration))
	if !res.Success {
		fmt.Fprintf(a.stderr, "error: %s: %s\n", res.ErrorKind, res.Error)
		return 1
	}
	return 0
}

func (a *app) cmdPrograms() int {
	exec, closeAll, err := a.openExecutor()
	if err != nil {
		return a.fail(err)
	}
	defer closeAll()

	metas, err := exec.Programs()
	if err != nil {
		return a.fail(err)
	}
	for _, m := range metas {
		fmt.Fprintf(a.stdout, "%-44s %8d ops %6d loops  last used %s\n",
			m.ID, m.Size, m.Loops, m.LastUsed.Format(time.RFC3339))
	}
	return 0
}

func (a *app) cmdHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	n := fs.Int("n", 10, "Number of runs to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "usage: tapevm history [-n count] <id>")
		return 2
	}
	id, err := types.ProgramIDFromBase58(fs.Arg(0))
	if err != nil {
		return a.fail(err)
	}

	exec, closeAll, err := a.openExecutor()
	if err != nil {
		return a.fail(err)
	}
	defer closeAll()

	runs, err := exec.History(id, *n)
	if err != nil {
		return a.fail(err)
	}
	for _, r := range runs {
		result := "ok"
		if !r.Succeeded() {
			result = r.ErrorKind
		}
		fmt.Fprintf(a.stdout, "%s  %s  %10d steps  %6d bytes out  %s\n",
			r.RunID, r.Time.Format(time.RFC3339), r.Instructions, r.OutputLen, result)
	}
	return 0
}

func (a *app) cmdServe() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	exec, closeAll, err := a.openExecutor()
	if err != nil {
		return a.fail(err)
	}
	defer closeAll()

	a.log.Info("starting tapevm",
		zap.String("version", Version),
		zap.String("data_dir", a.cfg.DataDir),
		zap.String("listen", a.cfg.Server.ListenAddr))

	srv := rpc.NewServer(exec, a.cfg.RPC(a.log))
	if err := srv.ListenAndServe(ctx); err != nil {
		return a.fail(err)
	}
	a.log.Info("shutdown complete")
	return 0
}

// openExecutor opens the program store and, when enabled, the run log.
func (a *app) openExecutor() (*executor.Executor, func(), error) {
	store, err := programstore.Open(a.cfg.ProgramStore(a.log))
	if err != nil {
		return nil, nil, fmt.Errorf("open program store: %w", err)
	}

	var runs *runlog.Log
	if a.cfg.RunLog.Enabled {
		runs, err = runlog.Open(a.cfg.RunLogStore(a.log))
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open run log: %w", err)
		}
	}

	closeAll := func() {
		if runs != nil {
			if err := runs.Close(); err != nil {
				a.log.Warn("close run log", zap.Error(err))
			}
		}
		if err := store.Close(); err != nil {
			a.log.Warn("close program store", zap.Error(err))
		}
	}
	return executor.New(store, runs, a.cfg.Executor(), a.log), closeAll, nil
}

// fail reports err and returns the exit status for it.
func (a *app) fail(err error) int {
	if kind := tvm.ErrorKind(err); kind != tvm.KindInternal {
		fmt.Fprintf(a.stderr, "error: %s: %v\n", kind, err)
	} else {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
	}
	if errors.Is(err, executor.ErrNoRunLog) {
		fmt.Fprintln(a.stderr, "hint: enable [runlog] in the configuration")
	}
	return 1
}
