// Package grpcutil provides the grpc.Server construction used by the tap
// listener.
package grpcutil

import (
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
)

// NewServer returns a grpc.Server pre-configured with Prometheus interceptors.
func NewServer(opt ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, opt...)
	server := grpc.NewServer(opts...)
	grpc_prometheus.Register(server)
	return server
}
