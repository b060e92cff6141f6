// Package health serves the standard gRPC health checking protocol so
// that supervisors can check on a running analysis session.
package health

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported for the pipeline. The
// empty name reports overall server health.
const Service = "sfc.pipeline"

const stopGrace = 2 * time.Second

// Server owns a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	addr   string
	hs     *health.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer returns a Server that will listen on addr. Both the
// server and Service start out NOT_SERVING.
func NewServer(addr string) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &Server{addr: addr, hs: hs, server: server}
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[health] gRPC health service listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			log.Printf("[health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing reports the pipeline as serving or not serving.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// Stop marks every service NOT_SERVING, ends open watches and stops
// the server.
func (s *Server) Stop() {
	s.hs.Shutdown()
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		// Open Watch streams hold GracefulStop until their clients leave.
		s.server.Stop()
		<-done
	}
	s.wg.Wait()
	log.Printf("[health] gRPC health service stopped")
}
