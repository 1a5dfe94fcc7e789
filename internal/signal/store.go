// Package signal defines the shared key-value namespace used to relay call
// setup metadata between peers, and an in-process implementation of it.
package signal

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

var (
	ErrInvalidPath = errors.New("signal: invalid path")
	ErrClosed      = errors.New("signal: store closed")
	ErrNotFound    = errors.New("signal: no value at path")
)

// Unsubscribe cancels a subscription. It is idempotent and never waits for
// an in-flight handler to return.
type Unsubscribe func()

// Store is a hierarchical JSON namespace with change notification.
//
// Paths are slash separated; "" addresses the root. Writing nil deletes the
// value, and maps left empty by a delete are pruned.
type Store interface {
	// Write replaces the value at path.
	Write(ctx context.Context, path string, value any) error
	// Update atomically sets each field relative to path. Field keys may
	// contain slashes.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Read returns the current value at path.
	Read(ctx context.Context, path string) (Snapshot, error)
	// Subscribe calls fn with the current value at path and then once per
	// change of that subtree, in order, from a goroutine owned by the
	// subscription.
	Subscribe(ctx context.Context, path string, fn func(Snapshot, error)) (Unsubscribe, error)
	// Append stores value under a generated child key of path. Keys sort in
	// insertion order.
	Append(ctx context.Context, path string, value any) (string, error)
	// Delete removes the value at path.
	Delete(ctx context.Context, path string) error
}

// Guard restricts a GuardedUpdate to records whose Field currently holds one
// of OneOf. An absent field reads as "".
type Guard struct {
	Field string   `json:"field"`
	OneOf []string `json:"one_of"`
}

func (g Guard) Allows(current string) bool {
	for _, v := range g.OneOf {
		if v == current {
			return true
		}
	}
	return false
}

// GuardedUpdater is implemented by stores that can apply an Update as a
// compare-and-set.
type GuardedUpdater interface {
	GuardedUpdate(ctx context.Context, path string, g Guard, fields map[string]any) (bool, error)
}
