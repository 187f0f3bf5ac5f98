// Package discovery fills in the service and task when the user only
// names a cluster.  The first service reported by the platform is used,
// then the first running task of that service.
package discovery

import (
	"context"
	"errors"
	"strings"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/retry"
)

// Resolver looks up services and tasks on an orchestration platform.
type Resolver interface {
	// ServiceName returns the first service in cluster.
	ServiceName(ctx context.Context, cluster string) (string, error)
	// TaskID returns the first running task of service in cluster.
	TaskID(ctx context.Context, cluster, service string) (string, error)
}

// Target is the container a tunnel runs against.
type Target struct {
	Cluster string
	Service string
	Task    string
}

// Resolve fills in the service and task of t that the user left empty.
// A task given explicitly is used as is; its service is not looked up.
func Resolve(ctx context.Context, r Resolver, t *Target) error {
	if t.Task != "" {
		return nil
	}
	if t.Service == "" {
		svc, err := r.ServiceName(ctx, t.Cluster)
		if err != nil {
			return err
		}
		t.Service = svc
	}
	task, err := r.TaskID(ctx, t.Cluster, t.Service)
	if err != nil {
		return err
	}
	t.Task = task
	return nil
}

// ResolveRetry is Resolve with failed lookups retried under b.  An
// answer of ErrNotFound is final: the platform answered and had nothing.
func ResolveRetry(ctx context.Context, r Resolver, t *Target, b *retry.Backoff) error {
	return b.Do(ctx, func(int) error {
		err := Resolve(ctx, r, t)
		if errors.Is(err, tunerr.ErrNotFound) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	})
}

// lastSegment returns what follows the final '/' of an ARN.
func lastSegment(arn string) string {
	if i := strings.LastIndexByte(arn, '/'); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

func notFound(kind, cluster, service string) error {
	return &tunerr.DiscoveryError{Kind: kind, Cluster: cluster, Service: service, Err: tunerr.ErrNotFound}
}
