// Package rpc exposes the executor over gRPC.
//
// The service is tapevm.Runner with four unary methods: Deploy, Execute,
// GetRun and ListRuns. Messages are plain Go structs carried by a CBOR codec
// that both the server and the client force, so there is no generated code.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fortiblox/tapevm/internal/types"
	"github.com/fortiblox/tapevm/pkg/tvm"
	"github.com/fortiblox/tapevm/pkg/tvm/executor"
	"github.com/fortiblox/tapevm/pkg/tvm/loader"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const serviceName = "tapevm.Runner"

// Full method names.
const (
	methodDeploy   = "/" + serviceName + "/Deploy"
	methodExecute  = "/" + serviceName + "/Execute"
	methodGetRun   = "/" + serviceName + "/GetRun"
	methodListRuns = "/" + serviceName + "/ListRuns"
)

// Config holds server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:7420").
	ListenAddr string

	// MaxMessageSize bounds request and response sizes.
	MaxMessageSize int

	// MaxListRuns caps the runs returned by ListRuns.
	MaxListRuns int

	// KeepaliveTime is how often the server pings idle clients.
	KeepaliveTime time.Duration

	// Logger receives request logs. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:7420",
		MaxMessageSize: 16 << 20,
		MaxListRuns:    100,
		KeepaliveTime:  2 * time.Minute,
	}
}

// runnerServer is the service implementation registered with grpc.
type runnerServer interface {
	Deploy(context.Context, *DeployRequest) (*DeployResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	GetRun(context.Context, *GetRunRequest) (*RunInfo, error)
	ListRuns(context.Context, *ListRunsRequest) (*ListRunsResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*runnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deploy", Handler: unaryHandler(methodDeploy, runnerServer.Deploy)},
		{MethodName: "Execute", Handler: unaryHandler(methodExecute, runnerServer.Execute)},
		{MethodName: "GetRun", Handler: unaryHandler(methodGetRun, runnerServer.GetRun)},
		{MethodName: "ListRuns", Handler: unaryHandler(methodListRuns, runnerServer.ListRuns)},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler builds a grpc method handler around a typed service method.
func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(runnerServer, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(runnerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(runnerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server serves the Runner service.
type Server struct {
	exec   *executor.Executor
	config Config
	log    *zap.Logger
	grpc   *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

var _ runnerServer = (*Server)(nil)

// NewServer creates a server for exec.
func NewServer(exec *executor.Executor, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		exec:   exec,
		config: config,
		log:    logger.Named("rpc"),
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(newCodec()),
		grpc.ChainUnaryInterceptor(s.logUnary),
	}
	if config.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(config.MaxMessageSize),
			grpc.MaxSendMsgSize(config.MaxMessageSize))
	}
	if config.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time: config.KeepaliveTime,
		}))
	}

	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.log.Info("serving", zap.Stringer("addr", lis.Addr()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	return s.Serve(lis)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop finishes in-flight requests and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Deploy loads and stores a program.
func (s *Server) Deploy(ctx context.Context, req *DeployRequest) (*DeployResponse, error) {
	id, err := s.exec.Deploy(req.Source)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeployResponse{ProgramID: id.String()}, nil
}

// Execute runs a deployed program.
func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	id, err := types.ProgramIDFromBase58(req.ProgramID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "program id: %v", err)
	}

	res, err := s.exec.Execute(ctx, executor.Request{
		ProgramID:       id,
		Input:           req.Input,
		TapeSize:        req.TapeSize,
		MaxInstructions: req.MaxInstructions,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return executeResponse(res), nil
}

// GetRun returns a recorded run.
func (s *Server) GetRun(ctx context.Context, req *GetRunRequest) (*RunInfo, error) {
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "run id: %v", err)
	}
	rec, err := s.exec.Run(runID)
	if err != nil {
		return nil, toStatus(err)
	}
	return runInfo(rec), nil
}

// ListRuns returns the latest runs of a program.
func (s *Server) ListRuns(ctx context.Context, req *ListRunsRequest) (*ListRunsResponse, error) {
	id, err := types.ProgramIDFromBase58(req.ProgramID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "program id: %v", err)
	}

	limit := req.Limit
	if limit <= 0 || (s.config.MaxListRuns > 0 && limit > s.config.MaxListRuns) {
		limit = s.config.MaxListRuns
	}
	records, err := s.exec.History(id, limit)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &ListRunsResponse{Runs: make([]*RunInfo, 0, len(records))}
	for _, rec := range records {
		resp.Runs = append(resp.Runs, runInfo(rec))
	}
	return resp, nil
}

// logUnary logs every call with its status code.
func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Stringer("code", code),
		zap.Duration("duration", time.Since(start)),
	}
	if code == codes.Internal || code == codes.Unknown {
		s.log.Error("request failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("request", fields...)
	}
	return resp, err
}

// toStatus maps executor and loader errors to grpc status errors.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case tvm.IsLoadError(err), errors.Is(err, loader.ErrTooLarge), errors.Is(err, executor.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, executor.ErrLimitTooHigh):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, executor.ErrInputTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, executor.ErrProgramNotFound), errors.Is(err, executor.ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, executor.ErrNoRunLog):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
