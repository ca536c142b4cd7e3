package handler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/service"
)

type GRPCHandler struct {
	ids       *service.IdentifierService
	inventory *service.InventoryService
}

func NewGRPCHandler(ids *service.IdentifierService, inventory *service.InventoryService) *GRPCHandler {
	return &GRPCHandler{ids: ids, inventory: inventory}
}

func (h *GRPCHandler) GenerateNextID(ctx context.Context, req *GenerateNextIDRequest) (*GenerateNextIDResponse, error) {
	var (
		scheme domain.Scheme
		err    error
	)
	if req.Width > 0 {
		scheme, err = domain.NewScheme(req.Scheme, req.Width)
		if err != nil {
			return nil, grpcError(err)
		}
	} else {
		var ok bool
		if scheme, ok = domain.LookupScheme(req.Scheme); !ok {
			return nil, status.Errorf(codes.NotFound, "unknown identifier scheme %q", req.Scheme)
		}
	}

	id, err := h.ids.GenerateOnce(ctx, scheme, req.IdempotencyKey)
	if err != nil {
		return nil, grpcError(err)
	}
	return &GenerateNextIDResponse{Identifier: id, Prefix: scheme.Prefix}, nil
}

func (h *GRPCHandler) ComputeStockSnapshot(ctx context.Context, req *ComputeStockSnapshotRequest) (*ComputeStockSnapshotResponse, error) {
	if req.ItemID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "item_id must be a positive integer")
	}

	var at time.Time
	if req.At != "" {
		var err error
		if at, err = parseInstant(req.At); err != nil {
			return nil, status.Error(codes.InvalidArgument, "at must be RFC3339 or YYYY-MM-DD")
		}
	}

	horizon := -1
	if req.HorizonDays != nil {
		if *req.HorizonDays < 0 {
			return nil, status.Error(codes.InvalidArgument, "horizon_days must be non-negative")
		}
		horizon = *req.HorizonDays
	}

	snap, err := h.inventory.Snapshot(ctx, req.ItemID, at, horizon)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ComputeStockSnapshotResponse{Snapshot: *snap}, nil
}

func grpcError(err error) error {
	var (
		malformed *domain.MalformedIdentifierError
		overflow  *domain.DigitOverflowError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, service.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, "duplicate request")
	case errors.Is(err, domain.ErrConcurrentIssuance), errors.Is(err, domain.ErrOptimisticLock):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrItemNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &overflow):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.As(err, &malformed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidScheme), errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// UnaryLogger logs one line per call with the resulting status code.
func UnaryLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		evt := logger.Info()
		if code == codes.Internal || code == codes.Unknown {
			evt = logger.Error().Err(err)
		}
		evt.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start)).
			Msg("rpc")

		return resp, err
	}
}
