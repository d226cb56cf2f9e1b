package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realmkey.org/internal/obs"
)

// grpcServiceName is the name reported by the standard health service.
const grpcServiceName = "realmkey.v1.AuthService"

// HealthServer drives grpc.health.v1 from the readiness probe.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer creates the gRPC health wrapper. Everything starts as
// NOT_SERVING until the first successful probe.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{srv: srv, readiness: r, interval: interval}
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe checks readiness once and publishes the result.
func (h *HealthServer) Probe(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ready := true
	if err := h.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ready = false
		obs.Logger().WithError(err).Warn("readiness probe failed")
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(grpcServiceName, status)
	obs.SetReady(ready)
	return ready
}

// Run probes until ctx is done, then marks every service as shut down.
func (h *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, h.interval)
		h.Probe(probeCtx)
		cancel()
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			obs.SetReady(false)
			return
		case <-ticker.C:
		}
	}
}
