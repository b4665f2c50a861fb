// Package app wires the HTTP router, readiness checks, and background
// loops around the grading service.
package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CachePinger is the minimal interface for the result cache's liveness.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and redis readiness checks consumed
// by the /readyz handler.
func BuildReadinessChecks(pool Pinger, cache CachePinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if cache == nil {
			return fmt.Errorf("redis not configured")
		}
		return cache.Ping(ctx)
	}
	return dbCheck, redisCheck
}
