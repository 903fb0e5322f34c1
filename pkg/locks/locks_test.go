package locks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

func userCtx() context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
}

// exerciseBackend checks the properties every backend must have
func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	first, err := backend.Acquire(ctx, "job", true)
	require.NoError(t, err)

	_, err = backend.Acquire(ctx, "job", false)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other, err := backend.Acquire(ctx, "other", false)
	require.NoError(t, err, "locks are independent per id")
	other.Release()

	first.Release()
	first.Release()

	second, err := backend.Acquire(ctx, "job", false)
	require.NoError(t, err)
	assert.Greater(t, second.FencingToken, first.FencingToken)
	second.Release()
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestMemoryBackend_MutualExclusion(t *testing.T) {
	backend := NewMemoryBackend()

	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		mu      sync.Mutex
		tokens  []int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := backend.Acquire(context.Background(), "shared", true)
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			mu.Lock()
			tokens = append(tokens, held.FencingToken)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			held.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	for i := 1; i < len(tokens); i++ {
		assert.Greater(t, tokens[i], tokens[i-1], "tokens are issued in acquisition order")
	}
}

func TestMemoryBackend_WaitHonorsContext(t *testing.T) {
	backend := NewMemoryBackend()
	held, err := backend.Acquire(context.Background(), "job", true)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = backend.Acquire(ctx, "job", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBackend_ForgetsIdleIDs(t *testing.T) {
	backend := NewMemoryBackend()

	var last int64
	for i := 0; i < 100; i++ {
		held, err := backend.Acquire(context.Background(), fmt.Sprintf("job-%d", i), false)
		require.NoError(t, err)
		assert.Greater(t, held.FencingToken, last)
		last = held.FencingToken
		held.Release()
	}
	assert.Zero(t, backend.Len())

	held, err := backend.Acquire(context.Background(), "job", true)
	require.NoError(t, err)
	_, err = backend.Acquire(context.Background(), "job", false)
	assert.True(t, apperr.IsConflict(err))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = backend.Acquire(ctx, "job", true)
	assert.Error(t, err)
	assert.Equal(t, 1, backend.Len())

	held.Release()
	held.Release()
	assert.Zero(t, backend.Len())

	again, err := backend.Acquire(context.Background(), "job", false)
	require.NoError(t, err)
	defer again.Release()
	assert.Greater(t, again.FencingToken, held.FencingToken)
}

func TestService_HoldsUntilContextEnds(t *testing.T) {
	svc := NewService(NewMemoryBackend(), nil, observability.NewNopLogger())

	ctx, cancel := context.WithCancel(userCtx())
	acquired := make(chan *Lock, 1)
	done := make(chan error, 1)
	go func() {
		done <- svc.Lock(ctx, "job", func(l *Lock) error {
			acquired <- l
			return nil
		})
	}()

	var first *Lock
	select {
	case first = <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired")
	}
	assert.Equal(t, "job", first.LockID)

	err := svc.TryLock(userCtx(), "job", func(*Lock) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrConflict)

	cancel()
	require.NoError(t, <-done)

	tryCtx, tryCancel := context.WithCancel(userCtx())
	var second *Lock
	go func() {
		done <- svc.TryLock(tryCtx, "job", func(l *Lock) error {
			second = l
			tryCancel()
			return nil
		})
	}()
	require.NoError(t, <-done)
	require.NotNil(t, second)
	assert.Greater(t, second.FencingToken, first.FencingToken)
}

func TestService_Validation(t *testing.T) {
	svc := NewService(NewMemoryBackend(), nil, observability.NewNopLogger())

	err := svc.Lock(context.Background(), "job", func(*Lock) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrAuth)

	err = svc.Lock(userCtx(), " ", func(*Lock) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrValidation)

	boom := errors.New("stream closed")
	err = svc.TryLock(userCtx(), "job", func(*Lock) error { return boom })
	assert.ErrorIs(t, err, boom)

	// the failed send released the lock
	err = svc.TryLock(userCtx(), "job", func(*Lock) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func newRedisBackend(t *testing.T, liveness time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := NewRedisBackend(client, liveness, observability.NewNopLogger())
	backend.poll = 5 * time.Millisecond
	return backend, mr
}

func TestRedisBackend(t *testing.T) {
	backend, _ := newRedisBackend(t, time.Minute)
	exerciseBackend(t, backend)
}

func TestRedisBackend_WaitsForRelease(t *testing.T) {
	backend, _ := newRedisBackend(t, time.Minute)
	held, err := backend.Acquire(context.Background(), "job", true)
	require.NoError(t, err)

	got := make(chan *Held, 1)
	go func() {
		h, err := backend.Acquire(context.Background(), "job", true)
		assert.NoError(t, err)
		got <- h
	}()

	time.Sleep(20 * time.Millisecond)
	held.Release()

	select {
	case next := <-got:
		assert.Equal(t, held.FencingToken+1, next.FencingToken)
		next.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisBackend_ExpiredHolderIsReleased(t *testing.T) {
	backend, mr := newRedisBackend(t, time.Minute)
	ctx := context.Background()

	held, err := backend.Acquire(ctx, "job", false)
	require.NoError(t, err)
	defer held.Release()

	// the holder stopped refreshing and the key timed out
	mr.FastForward(2 * time.Minute)

	next, err := backend.Acquire(ctx, "job", false)
	require.NoError(t, err)
	assert.Greater(t, next.FencingToken, held.FencingToken)

	// releasing the stale holder must not free the new holder's lock
	held.Release()
	_, err = backend.Acquire(ctx, "job", false)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	next.Release()
}

func TestRedisBackend_DetectsLostLock(t *testing.T) {
	backend, mr := newRedisBackend(t, 30*time.Millisecond)

	held, err := backend.Acquire(context.Background(), "job", false)
	require.NoError(t, err)
	defer held.Release()

	mr.Del(redisKeyPrefix + "job")

	select {
	case <-held.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost lock was not detected")
	}
}

func TestPostgresBackend_TryLockHeld(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock(hashtext($1))")).
		WithArgs("job").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err = NewPostgresBackend(db, time.Minute, 4, observability.NewNopLogger()).Acquire(context.Background(), "job", false)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_AcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock(hashtext($1))")).
		WithArgs("job").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO locks")).
		WithArgs("job").
		WillReturnRows(sqlmock.NewRows([]string{"fencing_token"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock(hashtext($1))")).
		WithArgs("job").
		WillReturnResult(sqlmock.NewResult(0, 0))

	held, err := NewPostgresBackend(db, time.Minute, 4, observability.NewNopLogger()).Acquire(context.Background(), "job", true)
	require.NoError(t, err)
	assert.Equal(t, Lock{LockID: "job", FencingToken: 7}, held.Lock)

	held.Release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_CapsHoldersAndWaiters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewPostgresBackend(db, time.Minute, 1, observability.NewNopLogger())

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock(hashtext($1))")).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO locks")).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"fencing_token"}).AddRow(1))
	held, err := backend.Acquire(context.Background(), "a", true)
	require.NoError(t, err)

	_, err = backend.Acquire(context.Background(), "b", true)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock(hashtext($1))")).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	held.Release()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock(hashtext($1))")).
		WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	_, err = backend.Acquire(context.Background(), "b", false)
	assert.ErrorIs(t, err, apperr.ErrConflict, "a slot is free again after release")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock(hashtext($1))")).
		WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	_, err = backend.Acquire(context.Background(), "b", false)
	assert.ErrorIs(t, err, apperr.ErrConflict, "a failed acquire gives its slot back")
	assert.NoError(t, mock.ExpectationsWereMet())
}
