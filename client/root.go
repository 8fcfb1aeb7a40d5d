package client

import (
	"context"
	"time"

	"github.com/tera-db/tera/common/coordination"
	terrors "github.com/tera-db/tera/errors"
)

// CoordinationRootLocator implements RootLocator by reading the root
// tablet's serving address directly from the coordination service, with
// the bounded retry spec.md §4.6 calls for when the value is briefly
// empty (root just failed over, not yet re-registered).
type CoordinationRootLocator struct {
	coord       coordination.Adapter
	clusterName string
	maxRetries  int
	retryDelay  time.Duration
}

func NewCoordinationRootLocator(coord coordination.Adapter, clusterName string) *CoordinationRootLocator {
	return &CoordinationRootLocator{
		coord:       coord,
		clusterName: clusterName,
		maxRetries:  5,
		retryDelay:  100 * time.Millisecond,
	}
}

func (r *CoordinationRootLocator) RootTabletAddr(ctx context.Context) (string, error) {
	path := coordination.RootTabletAddrPath(r.clusterName)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		value, err := r.coord.Get(ctx, path)
		if err == nil && len(value) > 0 {
			return string(value), nil
		}
		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", terrors.ErrServerUnavailable
}
