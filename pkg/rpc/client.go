package rpc

import (
	"context"
	"fmt"

	"github.com/fortiblox/tapevm/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a Runner service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. The connection is insecure unless opts add
// transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(newCodec())),
	}
	dialOpts = append(dialOpts, opts...)

	//nolint:staticcheck // Dial keeps the passthrough resolver for plain addresses
	conn, err := grpc.Dial(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Deploy sends source text and returns the program ID.
func (c *Client) Deploy(ctx context.Context, source string) (types.ProgramID, error) {
	resp := new(DeployResponse)
	if err := c.conn.Invoke(ctx, methodDeploy, &DeployRequest{Source: source}, resp); err != nil {
		return types.ProgramID{}, err
	}
	return types.ProgramIDFromBase58(resp.ProgramID)
}

// Execute runs a deployed program.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	resp := new(ExecuteResponse)
	if err := c.conn.Invoke(ctx, methodExecute, req, resp); err != nil {
		return nil, err
	}
	if err := resp.Verify(); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRun fetches a recorded run.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunInfo, error) {
	resp := new(RunInfo)
	if err := c.conn.Invoke(ctx, methodGetRun, &GetRunRequest{RunID: runID}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListRuns fetches up to limit runs of a program, newest first.
func (c *Client) ListRuns(ctx context.Context, programID types.ProgramID, limit int) ([]*RunInfo, error) {
	resp := new(ListRunsResponse)
	req := &ListRunsRequest{ProgramID: programID.String(), Limit: limit}
	if err := c.conn.Invoke(ctx, methodListRuns, req, resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}
