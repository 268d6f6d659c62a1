package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fortiblox/tapevm/pkg/runlog"
	"github.com/fortiblox/tapevm/pkg/tvm/executor"
)

// ErrDigestMismatch is returned when a response's output does not hash to
// its digest.
var ErrDigestMismatch = errors.New("output does not match digest")

// DeployRequest carries program source text.
type DeployRequest struct {
	Source string `cbor:"1,keyasint"`
}

// DeployResponse names the deployed program.
type DeployResponse struct {
	ProgramID string `cbor:"1,keyasint"`
}

// ExecuteRequest runs a deployed program. Zero limits select the server
// defaults.
type ExecuteRequest struct {
	ProgramID       string `cbor:"1,keyasint"`
	Input           []byte `cbor:"2,keyasint"`
	TapeSize        int    `cbor:"3,keyasint,omitempty"`
	MaxInstructions uint64 `cbor:"4,keyasint,omitempty"`
}

// ExecuteResponse describes a finished run. A program that fails at run
// time still produces a response; Success is false and ErrorKind names the
// failure.
type ExecuteResponse struct {
	RunID          string `cbor:"1,keyasint,omitempty"`
	Success        bool   `cbor:"2,keyasint"`
	Output         []byte `cbor:"3,keyasint"`
	OutputDigest   string `cbor:"4,keyasint"`
	Instructions   uint64 `cbor:"5,keyasint"`
	MaxDataPointer int    `cbor:"6,keyasint"`
	DurationNanos  int64  `cbor:"7,keyasint"`
	ErrorKind      string `cbor:"8,keyasint,omitempty"`
	Error          string `cbor:"9,keyasint,omitempty"`
}

// Duration returns the run's wall time.
func (r *ExecuteResponse) Duration() time.Duration {
	return time.Duration(r.DurationNanos)
}

// Verify checks Output against OutputDigest.
func (r *ExecuteResponse) Verify() error {
	var digest types.Digest
	if err := digest.UnmarshalText([]byte(r.OutputDigest)); err != nil {
		return fmt.Errorf("output digest: %w", err)
	}
	if types.ComputeDigest(r.Output) != digest {
		return ErrDigestMismatch
	}
	return nil
}

// GetRunRequest looks up one run.
type GetRunRequest struct {
	RunID string `cbor:"1,keyasint"`
}

// ListRunsRequest lists the latest runs of a program.
type ListRunsRequest struct {
	ProgramID string `cbor:"1,keyasint"`
	Limit     int    `cbor:"2,keyasint,omitempty"`
}

// ListRunsResponse holds runs newest first.
type ListRunsResponse struct {
	Runs []*RunInfo `cbor:"1,keyasint"`
}

// RunInfo is a recorded run.
type RunInfo struct {
	RunID          string `cbor:"1,keyasint"`
	ProgramID      string `cbor:"2,keyasint"`
	TimeUnixNanos  int64  `cbor:"3,keyasint"`
	DurationNanos  int64  `cbor:"4,keyasint"`
	InputLen       int    `cbor:"5,keyasint"`
	Output         []byte `cbor:"6,keyasint"`
	OutputLen      int    `cbor:"7,keyasint"`
	OutputDigest   string `cbor:"8,keyasint"`
	Instructions   uint64 `cbor:"9,keyasint"`
	MaxDataPointer int    `cbor:"10,keyasint"`
	ErrorKind      string `cbor:"11,keyasint,omitempty"`
	Error          string `cbor:"12,keyasint,omitempty"`
}

// Time returns when the run started.
func (r *RunInfo) Time() time.Time {
	return time.Unix(0, r.TimeUnixNanos)
}

func executeResponse(res *executor.Result) *ExecuteResponse {
	resp := &ExecuteResponse{
		Success:        res.Success,
		Output:         res.Output,
		OutputDigest:   res.OutputDigest.String(),
		Instructions:   res.Instructions,
		MaxDataPointer: res.MaxDataPointer,
		DurationNanos:  int64(res.Duration),
		ErrorKind:      res.ErrorKind,
		Error:          res.Error,
	}
	if res.RunID != [16]byte{} {
		resp.RunID = res.RunID.String()
	}
	return resp
}

func runInfo(rec *runlog.Record) *RunInfo {
	return &RunInfo{
		RunID:          rec.RunID.String(),
		ProgramID:      rec.ProgramID.String(),
		TimeUnixNanos:  rec.Time.UnixNano(),
		DurationNanos:  int64(rec.Duration),
		InputLen:       rec.InputLen,
		Output:         rec.Output,
		OutputLen:      rec.OutputLen,
		OutputDigest:   rec.OutputDigest.String(),
		Instructions:   rec.Instructions,
		MaxDataPointer: rec.MaxDataPointer,
		ErrorKind:      rec.ErrorKind,
		Error:          rec.Error,
	}
}
