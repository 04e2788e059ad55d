package server

import (
	"PerpRisk/internal/observability"
	"context"
	"fmt"
	"net"
	"path"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPCServer serves perprisk.v1.RiskService and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the risk service registered.
func NewGRPCServer(addr string, svc *RiskService, interceptor grpc.UnaryServerInterceptor, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptor, RecoveryInterceptor(logger)))
	grpcServer.RegisterService(ServiceDesc(), svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then drains in-flight calls.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	<-stopped
	return nil
}

// RecoveryInterceptor converts a handler panic into codes.Internal. Chain it
// inside UnaryInterceptor so the failure is still counted.
func RecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("method", path.Base(info.FullMethod)).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// UnaryInterceptor records request metrics and logs failures. The gateway
// runs it too, so REST and gRPC calls are counted under the same method.
func UnaryInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}

		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.Unavailable:
			logger.Error().Err(err).Str("method", method).Msg("request failed")
		default:
			logger.Debug().Err(err).Str("method", method).Str("code", code.String()).Msg("request rejected")
		}
		return resp, err
	}
}
