// Package lock provides per-key mutual exclusion for weights processing,
// in process memory or across replicas through Redis.
package lock

import "context"

// Locker acquires an exclusive lock on a key. Lock blocks until the lock is
// held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
