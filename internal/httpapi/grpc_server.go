package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantcore.io/internal/obs"
)

// HealthServer is the standard grpc.health.v1 service with its serving
// status driven by the readiness probe. The empty service name reports the
// process as a whole.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{Server: health.NewServer(), readiness: r}
}

// Refresh runs the probe once and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Logger().WithError(err).Warn("readiness check failed")
	}
	obs.SetReady(ok)
	s.SetServingStatus("", status)
	s.SetServingStatus(serviceName, status)
	return ok
}

// Monitor refreshes the status every interval until ctx ends, then marks the
// server as shutting down so clients drain.
func (s *HealthServer) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}
