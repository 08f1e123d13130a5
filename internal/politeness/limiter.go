package politeness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter grants per-origin fetch slots. Implementations decide where the
// state lives; LocalLimiter keeps it in process memory.
type Limiter interface {
	Acquire(ctx context.Context, origin string, interval time.Duration) error
	Release(origin string)
}

type originState struct {
	sem *semaphore.Weighted

	mu          sync.Mutex
	lastRequest time.Time
	inFlight    int
}

// LocalLimiter bounds in-flight fetches per origin and spaces their starts.
type LocalLimiter struct {
	maxConcurrent int64
	now           func() time.Time

	mu      sync.Mutex
	origins map[string]*originState
}

// NewLocalLimiter creates a limiter allowing maxConcurrent fetches per origin.
func NewLocalLimiter(maxConcurrent int) *LocalLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &LocalLimiter{
		maxConcurrent: int64(maxConcurrent),
		now:           time.Now,
		origins:       make(map[string]*originState),
	}
}

func (l *LocalLimiter) state(origin string) *originState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.origins[origin]
	if !ok {
		st = &originState{sem: semaphore.NewWeighted(l.maxConcurrent)}
		l.origins[origin] = st
	}
	return st
}

// Acquire blocks until a slot is free and interval has elapsed since the last
// request to origin, or ctx is done.
func (l *LocalLimiter) Acquire(ctx context.Context, origin string, interval time.Duration) error {
	st := l.state(origin)
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot for %s: %w", origin, err)
	}

	for {
		st.mu.Lock()
		now := l.now()
		wait := st.lastRequest.Add(interval).Sub(now)
		if st.lastRequest.IsZero() || wait <= 0 {
			st.lastRequest = now
			st.inFlight++
			st.mu.Unlock()
			return nil
		}
		st.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			st.sem.Release(1)
			return fmt.Errorf("wait for %s spacing: %w", origin, ctx.Err())
		case <-timer.C:
		}
	}
}

// Release frees the slot and stamps the last request time.
func (l *LocalLimiter) Release(origin string) {
	st := l.state(origin)
	st.mu.Lock()
	st.lastRequest = l.now()
	if st.inFlight > 0 {
		st.inFlight--
	}
	st.mu.Unlock()
	st.sem.Release(1)
}

// InFlight reports the current number of granted slots for origin.
func (l *LocalLimiter) InFlight(origin string) int {
	st := l.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// LastRequest reports the last grant or release time for origin.
func (l *LocalLimiter) LastRequest(origin string) time.Time {
	st := l.state(origin)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastRequest
}
