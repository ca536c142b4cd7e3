package handler

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rl1809/clinic-core/internal/core/domain"
)

const (
	ClinicCoreServiceName = "clinic.v1.ClinicCore"

	generateNextIDMethod       = "/" + ClinicCoreServiceName + "/GenerateNextId"
	computeStockSnapshotMethod = "/" + ClinicCoreServiceName + "/ComputeStockSnapshot"
)

type GenerateNextIDRequest struct {
	// Scheme is a registered scheme name or prefix. When Width is set it is
	// taken as an ad-hoc prefix instead.
	Scheme         string `json:"scheme"`
	Width          int    `json:"width,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type GenerateNextIDResponse struct {
	Identifier string `json:"identifier"`
	Prefix     string `json:"prefix"`
}

type ComputeStockSnapshotRequest struct {
	ItemID int64 `json:"item_id"`
	// At is RFC3339 or YYYY-MM-DD; empty means now.
	At          string `json:"at,omitempty"`
	HorizonDays *int   `json:"horizon_days,omitempty"`
}

type ComputeStockSnapshotResponse struct {
	Snapshot domain.StockSnapshot `json:"snapshot"`
}

type ClinicCoreServer interface {
	GenerateNextID(context.Context, *GenerateNextIDRequest) (*GenerateNextIDResponse, error)
	ComputeStockSnapshot(context.Context, *ComputeStockSnapshotRequest) (*ComputeStockSnapshotResponse, error)
}

func RegisterClinicCoreServer(s grpc.ServiceRegistrar, srv ClinicCoreServer) {
	s.RegisterService(&ClinicCoreServiceDesc, srv)
}

var ClinicCoreServiceDesc = grpc.ServiceDesc{
	ServiceName: ClinicCoreServiceName,
	HandlerType: (*ClinicCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GenerateNextId", Handler: generateNextIDHandler},
		{MethodName: "ComputeStockSnapshot", Handler: computeStockSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func generateNextIDHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GenerateNextIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClinicCoreServer).GenerateNextID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateNextIDMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClinicCoreServer).GenerateNextID(ctx, req.(*GenerateNextIDRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func computeStockSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ComputeStockSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClinicCoreServer).ComputeStockSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: computeStockSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClinicCoreServer).ComputeStockSnapshot(ctx, req.(*ComputeStockSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ClinicCoreClient calls the service with the json codec.
type ClinicCoreClient struct {
	cc grpc.ClientConnInterface
}

func NewClinicCoreClient(cc grpc.ClientConnInterface) *ClinicCoreClient {
	return &ClinicCoreClient{cc: cc}
}

func (c *ClinicCoreClient) GenerateNextID(ctx context.Context, in *GenerateNextIDRequest, opts ...grpc.CallOption) (*GenerateNextIDResponse, error) {
	out := new(GenerateNextIDResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, generateNextIDMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClinicCoreClient) ComputeStockSnapshot(ctx context.Context, in *ComputeStockSnapshotRequest, opts ...grpc.CallOption) (*ComputeStockSnapshotResponse, error) {
	out := new(ComputeStockSnapshotResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, computeStockSnapshotMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
