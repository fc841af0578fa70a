package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer wraps the standard gRPC health service so orchestrators can
// probe the API without speaking HTTP.
type HealthServer struct {
	srv   *health.Server
	probe ReadyProbe
}

// NewHealthServer registers the health service on the given gRPC server.
// The status starts as SERVING; Refresh re-checks the backing store on
// demand.
func NewHealthServer(gs *grpc.Server, probe ReadyProbe) *HealthServer {
	hs := &HealthServer{srv: health.NewServer(), probe: probe}
	grpc_health_v1.RegisterHealthServer(gs, hs.srv)
	hs.srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return hs
}

// Refresh re-evaluates readiness and updates the advertised status.
func (h *HealthServer) Refresh(ctx context.Context) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
}

// Shutdown marks every service NOT_SERVING so load balancers drain traffic
// before the listener closes.
func (h *HealthServer) Shutdown() {
	h.srv.Shutdown()
}
