package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/partplan/partplan/internal/catalog"
	perrors "github.com/partplan/partplan/internal/errors"
	"github.com/partplan/partplan/internal/planner"
	"github.com/partplan/partplan/internal/service"
	"github.com/partplan/partplan/pkg/types"
)

// Service is the subset of the planning service exposed over gRPC.
type Service interface {
	Plan(ctx context.Context, table string, pred planner.Predicate) (planner.ScanPlan, error)
	Scheme(ctx context.Context, table string) (*service.TableScheme, error)
	AddPartition(ctx context.Context, table, name string, boundary types.Key) (*catalog.Version, error)
	DropPartition(ctx context.Context, table, name string) (*catalog.Version, error)
}

// PlannerService implements PlannerServer on top of a Service.
type PlannerService struct {
	svc Service
}

// NewPlannerService creates the gRPC service implementation.
func NewPlannerService(svc Service) *PlannerService {
	return &PlannerService{svc: svc}
}

// NewServer returns a grpc.Server with recovery and logging interceptors
// and the planner service registered.
func NewServer(svc Service, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	logger = logger.With().Str("component", "grpc").Logger()
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RequestIDInterceptor(),
		LoggingInterceptor(logger),
		RecoveryInterceptor(logger),
	))
	s := grpc.NewServer(opts...)
	RegisterPlannerServer(s, NewPlannerService(svc))
	return s
}

type planRequest struct {
	Table string `json:"table"`
	planner.Predicate
}

type addPartitionRequest struct {
	Table    string `json:"table"`
	Name     string `json:"name"`
	Boundary string `json:"boundary"`
}

type partitionRequest struct {
	Table string `json:"table"`
	Name  string `json:"name"`
}

func (p *PlannerService) Plan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req planRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}

	plan, err := p.svc.Plan(ctx, req.Table, req.Predicate)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"table":      req.Table,
		"predicate":  req.Predicate.String(),
		"plan":       plan,
		"request_id": RequestID(ctx),
	})
}

func (p *PlannerService) AddPartition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req addPartitionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Table == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "table and name are required")
	}
	boundary, err := types.ParseKey(req.Boundary)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid boundary: %v", err)
	}

	v, err := p.svc.AddPartition(ctx, req.Table, req.Name, boundary)
	if err != nil {
		return nil, toStatus(err)
	}
	return versionStruct(v)
}

func (p *PlannerService) DropPartition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req partitionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Table == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "table and name are required")
	}

	v, err := p.svc.DropPartition(ctx, req.Table, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return versionStruct(v)
}

func (p *PlannerService) GetScheme(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req partitionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}

	ts, err := p.svc.Scheme(ctx, req.Table)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ts)
}

func versionStruct(v *catalog.Version) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{
		"table":       v.Table,
		"version":     v.Version,
		"fingerprint": v.Fingerprint,
		"operation":   v.Operation,
		"partitions":  v.Scheme.Len(),
	})
}

// fromStruct decodes a Struct into dst through its JSON form.
func fromStruct(in *structpb.Struct, dst interface{}) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// toStruct encodes v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// CodeFor maps a planner error to a gRPC status code.
func CodeFor(err error) codes.Code {
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidPredicate, perrors.CodeInvalidScheme:
		return codes.InvalidArgument
	case perrors.CodeTableNotFound, perrors.CodeUnknownPartition:
		return codes.NotFound
	case perrors.CodeTableExists:
		return codes.AlreadyExists
	case perrors.CodeVersionConflict:
		return codes.Aborted
	case perrors.CodeNotLeadingPartition, perrors.CodeNoCatchAll, perrors.CodeNonMonotonicBoundary:
		return codes.FailedPrecondition
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return status.FromContextError(err).Code()
}

func toStatus(err error) error {
	code := CodeFor(err)
	if code == codes.Unknown || code == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	if c := perrors.GetCode(err); c != "" {
		return status.Error(code, fmt.Sprintf("%s: %s", c, err.Error()))
	}
	return status.Error(code, err.Error())
}

type requestIDKey struct{}

// RequestID returns the id assigned by RequestIDInterceptor.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDInterceptor takes x-request-id from incoming metadata or
// generates one, and echoes it as a response header.
func RequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				id = ids[0]
			}
		}
		if id == "" {
			id = uuid.New().String()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))
		return handler(context.WithValue(ctx, requestIDKey{}, id), req)
	}
}
