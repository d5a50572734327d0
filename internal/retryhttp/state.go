package retryhttp

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RetryState is the per-URL backoff bookkeeping shared by every caller of
// that URL.
type RetryState struct {
	NextAllowed time.Time
	Delay       time.Duration
	Attempt     int
}

// stateStore keeps RetryState entries until their NextAllowed passes. The
// cache's expiration loop sleeps until the nearest expiry rather than
// polling.
type stateStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, RetryState]
}

func newStateStore() *stateStore {
	c := ttlcache.New[string, RetryState](
		ttlcache.WithDisableTouchOnHit[string, RetryState](),
	)
	go c.Start()
	return &stateStore{cache: c}
}

func (s *stateStore) get(url string) (RetryState, bool) {
	item := s.cache.Get(url)
	if item == nil {
		return RetryState{}, false
	}
	return item.Value(), true
}

// update stores a new state for url unless an entry with an equal or larger
// attempt number is already present.
func (s *stateStore) update(url string, attempt int, delay time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(url); item != nil && item.Value().Attempt >= attempt {
		return false
	}
	ttl := delay
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	s.cache.Set(url, RetryState{
		NextAllowed: now.Add(delay),
		Delay:       delay,
		Attempt:     attempt,
	}, ttl)
	return true
}

func (s *stateStore) delete(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(url)
}

func (s *stateStore) len() int {
	return s.cache.Len()
}

func (s *stateStore) close() {
	s.cache.Stop()
}
