package grpc

import (
	"context"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// AdminServer exposes gRPC health and reflection for orchestrators that
// probe over gRPC. Connector management stays on the HTTP API.
type AdminServer struct {
	server *grpc.Server
	health *health.Server
}

func rateLimitingInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func NewAdminServer(rps float64, burst int) *AdminServer {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			rateLimitingInterceptor(rate.NewLimiter(rate.Limit(rps), burst)),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	reflection.Register(server)

	return &AdminServer{server: server, health: healthServer}
}

func Listen(grpcPort string) (net.Listener, error) {
	return net.Listen("tcp", ":"+grpcPort)
}

func (s *AdminServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Shutdown reports NOT_SERVING to health probes before stopping.
func (s *AdminServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
