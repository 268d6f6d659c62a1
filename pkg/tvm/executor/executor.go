// Package executor runs stored programs and records every run.
//
// The executor sits between the transport layer and the VM:
// - programs are deployed once and addressed by ProgramID afterwards
// - loaded programs are cached, since a Program is immutable and safe to share
// - each run gets its own interpreter, so runs never share tape state
// - every run that reaches the VM is appended to the run log, failed or not
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fortiblox/tapevm/pkg/programstore"
	"github.com/fortiblox/tapevm/pkg/runlog"
	"github.com/fortiblox/tapevm/pkg/tvm"
	"github.com/fortiblox/tapevm/pkg/tvm/bf"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor errors.
var (
	ErrProgramNotFound = errors.New("program not found")
	ErrInputTooLarge   = errors.New("input too large")
	ErrLimitTooHigh    = errors.New("requested limit above configured maximum")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrRunNotFound     = errors.New("run not found")
	ErrNoRunLog        = errors.New("run log not configured")
)

// Config holds executor limits.
type Config struct {
	// TapeSize is the default number of cells per run.
	TapeSize int

	// MaxTapeSize is the largest tape a request may ask for.
	MaxTapeSize int

	// MaxInstructions is the default instruction ceiling per run.
	MaxInstructions uint64

	// MaxInstructionsLimit is the largest ceiling a request may ask for.
	MaxInstructionsLimit uint64

	// MaxInputSize bounds the input bytes of a request.
	MaxInputSize int

	// CacheSize is the number of loaded programs kept in memory.
	CacheSize int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		TapeSize:             bf.DefaultTapeSize,
		MaxTapeSize:          1 << 20,
		MaxInstructions:      bf.DefaultMaxInstructions,
		MaxInstructionsLimit: 100 * bf.DefaultMaxInstructions,
		MaxInputSize:         1 << 20,
		CacheSize:            256,
	}
}

// Request is one execution request. Zero limits select the configured
// defaults.
type Request struct {
	ProgramID       types.ProgramID
	Input           []byte
	TapeSize        int
	MaxInstructions uint64
}

// Result describes a finished run. Program failures are reported here, not
// as an error from Execute.
type Result struct {
	RunID          uuid.UUID
	ProgramID      types.ProgramID
	Success        bool
	Output         []byte
	OutputDigest   types.Digest
	Instructions   uint64
	MaxDataPointer int
	Duration       time.Duration
	ErrorKind      string
	Error          string
}

// Executor executes deployed programs.
type Executor struct {
	programs programstore.Store
	runs     *runlog.Log
	config   Config
	log      *zap.Logger

	mu           sync.RWMutex
	programCache map[types.ProgramID]*bf.Program
}

// New creates an executor. runs may be nil, in which case runs are not
// recorded.
func New(programs programstore.Store, runs *runlog.Log, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		programs:     programs,
		runs:         runs,
		config:       config,
		log:          logger.Named("executor"),
		programCache: make(map[types.ProgramID]*bf.Program),
	}
}

// Deploy loads source and stores the program. Deploying the same code twice
// returns the same ID.
func (e *Executor) Deploy(source string) (types.ProgramID, error) {
	prog, err := loader.Load(source)
	if err != nil {
		return types.ProgramID{}, err
	}

	id, err := e.programs.Put(prog)
	if err != nil {
		return types.ProgramID{}, fmt.Errorf("store program: %w", err)
	}
	e.cache(id, prog)

	e.log.Info("program deployed",
		zap.Stringer("program", id),
		zap.Int("size", prog.Len()),
		zap.Int("loops", prog.Loops()))
	return id, nil
}

// Undeploy removes a program and its run history.
func (e *Executor) Undeploy(id types.ProgramID) error {
	if err := e.programs.Delete(id); err != nil {
		if errors.Is(err, programstore.ErrProgramNotFound) {
			return ErrProgramNotFound
		}
		return err
	}

	e.mu.Lock()
	delete(e.programCache, id)
	e.mu.Unlock()

	if e.runs != nil {
		n, err := e.runs.DeleteByProgram(id)
		if err != nil {
			return fmt.Errorf("delete runs: %w", err)
		}
		e.log.Info("program removed", zap.Stringer("program", id), zap.Int("runs", n))
	}
	return nil
}

// Programs lists the deployed programs.
func (e *Executor) Programs() ([]programstore.Meta, error) {
	return e.programs.List()
}

// Execute runs a deployed program with the request's input.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ProgramID.IsZero() {
		return nil, fmt.Errorf("%w: missing program id", ErrInvalidRequest)
	}
	if len(req.Input) > e.config.MaxInputSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrInputTooLarge, len(req.Input), e.config.MaxInputSize)
	}

	tapeSize := req.TapeSize
	if tapeSize < 0 {
		return nil, fmt.Errorf("%w: negative tape size %d", ErrInvalidRequest, tapeSize)
	}
	if tapeSize == 0 {
		tapeSize = e.config.TapeSize
	}
	if tapeSize > e.config.MaxTapeSize {
		return nil, fmt.Errorf("%w: tape size %d, limit %d", ErrLimitTooHigh, tapeSize, e.config.MaxTapeSize)
	}
	ceiling := req.MaxInstructions
	if ceiling == 0 {
		ceiling = e.config.MaxInstructions
	}
	if ceiling > e.config.MaxInstructionsLimit {
		return nil, fmt.Errorf("%w: %d instructions, limit %d", ErrLimitTooHigh, ceiling, e.config.MaxInstructionsLimit)
	}

	prog, err := e.loadProgram(req.ProgramID)
	if err != nil {
		return nil, err
	}

	vm, err := bf.NewInterpreter(prog, bf.InterpreterOpts{
		TapeSize:        tapeSize,
		MaxInstructions: ceiling,
		Input:           bf.NewStringSource(string(req.Input)),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, execErr := vm.Run()
	elapsed := time.Since(start)

	result := &Result{
		ProgramID:      req.ProgramID,
		Success:        execErr == nil,
		Output:         res.Output,
		OutputDigest:   types.ComputeDigest(res.Output),
		Instructions:   res.Instructions,
		MaxDataPointer: res.MaxDataPointer,
		Duration:       elapsed,
		ErrorKind:      tvm.ErrorKind(execErr),
	}
	if execErr != nil {
		result.Error = execErr.Error()
	}

	if e.runs != nil {
		rec, err := e.runs.Append(runlog.Record{
			ProgramID:      req.ProgramID,
			Time:           start,
			Duration:       elapsed,
			InputLen:       len(req.Input),
			Output:         result.Output,
			OutputLen:      len(result.Output),
			OutputDigest:   result.OutputDigest,
			Instructions:   result.Instructions,
			MaxDataPointer: result.MaxDataPointer,
			ErrorKind:      result.ErrorKind,
			Error:          result.Error,
		})
		if err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		result.RunID = rec.RunID
	}

	if err := e.programs.Touch(req.ProgramID); err != nil {
		e.log.Warn("touch program failed", zap.Stringer("program", req.ProgramID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.Stringer("program", req.ProgramID),
		zap.Uint64("instructions", result.Instructions),
		zap.Duration("duration", elapsed),
	}
	if result.Success {
		e.log.Debug("run finished", fields...)
	} else {
		e.log.Info("run failed", append(fields, zap.String("kind", result.ErrorKind), zap.Error(execErr))...)
	}
	return result, nil
}

// Run returns a recorded run.
func (e *Executor) Run(runID uuid.UUID) (*runlog.Record, error) {
	if e.runs == nil {
		return nil, ErrNoRunLog
	}
	rec, err := e.runs.Get(runID)
	if errors.Is(err, runlog.ErrRunNotFound) {
		return nil, ErrRunNotFound
	}
	return rec, err
}

// History returns up to limit runs of a program, newest first.
func (e *Executor) History(id types.ProgramID, limit int) ([]*runlog.Record, error) {
	if e.runs == nil {
		return nil, ErrNoRunLog
	}
	return e.runs.ListByProgram(id, limit)
}

// loadProgram returns a program from the cache or the store.
func (e *Executor) loadProgram(id types.ProgramID) (*bf.Program, error) {
	e.mu.RLock()
	prog, ok := e.programCache[id]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := e.programs.Get(id)
	if errors.Is(err, programstore.ErrProgramNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	e.cache(id, prog)
	return prog, nil
}

func (e *Executor) cache(id types.ProgramID, prog *bf.Program) {
	if e.config.CacheSize <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.programCache[id]; !ok && len(e.programCache) >= e.config.CacheSize {
		// Evict an arbitrary entry.
		for k := range e.programCache {
			delete(e.programCache, k)
			break
		}
	}
	e.programCache[id] = prog
}

// ClearCache clears the program cache.
func (e *Executor) ClearCache() {
	e.mu.Lock()
	e.programCache = make(map[types.ProgramID]*bf.Program)
	e.mu.Unlock()
}
