package coordination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/creator-network/creator-node/internal/errs"
)

// UserLock acquires and releases the per-user exclusive sync lock described
// in spec §4.3 step 1 and §5 ("the per-user lock must survive all
// suspension points"). It is a thin TTL-guarded SETNX over the shared
// Store, mirroring the Redis SET-NX-then-CAS-release idiom used
// throughout the pack's distributed lock helpers.
type UserLock struct {
	store Store
}

// NewUserLock builds a UserLock over the given coordination Store.
func NewUserLock(store Store) *UserLock {
	return &UserLock{store: store}
}

// Release, when non-nil, must be called on every exit path of the
// critical section it guards (success, expected failure, or panic
// recovery) so the lock does not outlive the sync job that took it.
type Release func(ctx context.Context)

// Acquire attempts to take the lock for wallet with the given TTL. If the
// lock is already held it returns errs.SyncInProgress. The lock value is a
// token recorded by the returned Release, which deletes the key only when
// it still holds that token (avoiding releasing a lock a TTL expiry
// already handed to someone else).
func (l *UserLock) Acquire(ctx context.Context, wallet string, ttl time.Duration) (Release, error) {
	key := LockKey(wallet)
	token := strconv.FormatInt(time.Now().UnixNano(), 10)

	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, errs.Wrap(errs.CommitFailed, err, "acquire user lock")
	}
	if !ok {
		return nil, errs.New(errs.SyncInProgress, fmt.Sprintf("sync already in progress for %s", wallet))
	}

	release := func(releaseCtx context.Context) {
		v, present, err := l.store.Get(releaseCtx, key)
		if err != nil || !present || v != token {
			// Either expired already or another holder has it now;
			// releasing would steal their lock.
			return
		}
		_ = l.store.Del(releaseCtx, key)
	}
	return release, nil
}

// Extend refreshes the TTL of a held lock. Used by long-running sync jobs
// to avoid losing the lock to its own TTL before the hard ceiling (spec
// §5, "no operation may hold a per-user lock longer than a configured
// hard ceiling").
func (l *UserLock) Extend(ctx context.Context, wallet string, ttl time.Duration) error {
	return l.store.Expire(ctx, LockKey(wallet), ttl)
}
