package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mirrors the conditional-update semantics of the heartbeat
// row with monotonic clock precision
type fakeStore struct {
	mu      sync.Mutex
	ensured bool
	date    time.Time
	err     error
	beats   int
}

func (f *fakeStore) EnsureInstance(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = true
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, olderThan time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.beats++
	if f.err != nil {
		return false, f.err
	}
	if time.Since(f.date) < olderThan {
		return false, nil
	}
	f.date = time.Now()
	return true, nil
}

func (f *fakeStore) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestLockAcquireImmediately(t *testing.T) {
	store := &fakeStore{} // zero date: the row is ancient
	l := New(store, 20*time.Millisecond, 100*time.Millisecond)

	require.NoError(t, l.Acquire(context.Background()))
	assert.True(t, store.ensured, "the heartbeat row is created before acquiring")
	assert.Equal(t, 1, store.beatCount())
}

func TestLockAcquireWaitsForInactivity(t *testing.T) {
	store := &fakeStore{date: time.Now()} // another instance just beat
	l := New(store, 20*time.Millisecond, 150*time.Millisecond)

	started := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "standby must wait out the inactivity window")
	assert.Greater(t, store.beatCount(), 1, "acquire keeps retrying")
}

func TestLockAcquireStop(t *testing.T) {
	store := &fakeStore{date: time.Now()}
	l := New(store, 20*time.Millisecond, time.Hour)

	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after stop")
	}
}

func TestLockAcquireContextCanceled(t *testing.T) {
	store := &fakeStore{date: time.Now()}
	l := New(store, 20*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after cancel")
	}
}

func TestLockKeepStopsCleanly(t *testing.T) {
	store := &fakeStore{}
	l := New(store, 20*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, l.Acquire(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- l.Keep(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	l.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "a stopped keeper is not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("keep did not return after stop")
	}
}

func TestLockKeepReturnsOnStorageError(t *testing.T) {
	store := &fakeStore{}
	l := New(store, 20*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, l.Acquire(context.Background()))

	store.setErr(errors.New("storage unavailable"))

	errCh := make(chan error, 1)
	go func() { errCh <- l.Keep(context.Background()) }()

	// The first beat happens after alive plus a second of grace.
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("keep did not report the failed heartbeat")
	}
}

func TestLockKeepReturnsWhenLockLost(t *testing.T) {
	store := &fakeStore{}
	l := New(store, 20*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, l.Acquire(context.Background()))

	// Another instance beats continuously, so this one's conditional
	// update never matches again.
	stopThief := make(chan struct{})
	defer close(stopThief)
	go func() {
		for {
			select {
			case <-stopThief:
				return
			case <-time.After(5 * time.Millisecond):
				store.mu.Lock()
				store.date = time.Now()
				store.mu.Unlock()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Keep(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLockLost)
	case <-time.After(3 * time.Second):
		t.Fatal("keep did not detect the takeover")
	}
}
