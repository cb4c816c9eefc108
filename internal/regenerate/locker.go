package regenerate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "derma:regenerate:"

// Locker guards a photo against concurrent regeneration by several workers.
type Locker interface {

	// Lock takes the lock of the photo. Returns false if another holder has it.
	Lock(ctx context.Context, id string) (bool, error)

	// Unlock releases the lock of the photo if this locker still holds it.
	Unlock(ctx context.Context, id string) error
}

// unlockScript deletes the key only when it still holds the caller's token,
// so an expired and re-taken lock is never released by its previous holder.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisLocker creates a Locker over redis SET NX with a ttl, shared by every
// regenerate worker connected to the same redis.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

var _ Locker = (*redisLocker)(nil)

type redisLocker struct {
	client redis.Cmdable
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string // photo id -> token of the lock held by this locker
}

// Lock is the concrete implementation of the interface method.
func (l *redisLocker) Lock(ctx context.Context, id string) (bool, error) {

	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKeyPrefix+id, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take regenerate lock for photo %s: %v", id, err)
	}

	if ok {
		l.mu.Lock()
		l.tokens[id] = token
		l.mu.Unlock()
	}

	return ok, nil
}

// Unlock is the concrete implementation of the interface method.
func (l *redisLocker) Unlock(ctx context.Context, id string) error {

	l.mu.Lock()
	token, ok := l.tokens[id]
	delete(l.tokens, id)
	l.mu.Unlock()

	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, l.client, []string{lockKeyPrefix + id}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release regenerate lock for photo %s: %v", id, err)
	}

	return nil
}

// NewLocalLocker creates an in-process Locker for single instance runs without redis.
func NewLocalLocker() Locker {
	return &localLocker{held: make(map[string]struct{})}
}

var _ Locker = (*localLocker)(nil)

type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// Lock is the concrete implementation of the interface method.
func (l *localLocker) Lock(ctx context.Context, id string) (bool, error) {

	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[id]; ok {
		return false, nil
	}
	l.held[id] = struct{}{}

	return true, nil
}

// Unlock is the concrete implementation of the interface method.
func (l *localLocker) Unlock(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
	return nil
}
