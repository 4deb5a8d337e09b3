// Package grpc serves the standard grpc.health.v1 service. The engine's
// health is sampled on an interval and reported both server-wide and under
// ServiceName.
package grpc
