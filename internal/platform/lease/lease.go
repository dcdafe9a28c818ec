// Package lease provides short-lived exclusive claims on a key, used to keep
// at most one report generation in flight per report.
package lease

import (
	"context"
	"errors"
	"time"
)

var ErrNotObtained = errors.New("lease: not obtained")

type Lease interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
