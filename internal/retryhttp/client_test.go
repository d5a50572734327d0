package retryhttp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock pins "now" and records every requested sleep instead of waiting.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func newTestClient(clock *fakeClock, opts ...Option) *Client {
	base := []Option{
		WithClock(clock.Now, clock.Sleep),
		WithRandom(func() float64 { return 0 }),
	}
	return New(append(base, opts...)...)
}

func statusServer(t *testing.T, calls *atomic.Int32, handler func(n int32, w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(calls.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 15 * time.Second},
		{40, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFullJitter(t *testing.T) {
	if got := FullJitter(3*time.Second, func() float64 { return 0 }); got != 0 {
		t.Errorf("FullJitter with random()=0 = %v, want 0", got)
	}

	almostOne := func() float64 { return 0.999999 }
	for _, delay := range []time.Duration{time.Second, 5 * time.Second, 30 * time.Second} {
		capped := min(delay, 5*time.Second)
		got := FullJitter(delay, almostOne)
		if got >= capped || got < capped*99/100 {
			t.Errorf("FullJitter(%v) with random()->1 = %v, want just under %v", delay, got, capped)
		}
	}

	for i := range 100 {
		r := float64(i) / 100
		got := FullJitter(12*time.Second, func() float64 { return r })
		if got < 0 || got >= 5*time.Second {
			t.Fatalf("FullJitter out of range: %v", got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "5", 5 * time.Second, true},
		{"padded seconds", " 2 ", 2 * time.Second, true},
		{"negative seconds", "-3", 0, true},
		{"future date", now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second, true},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"empty", "", 0, false},
		{"garbage", "soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, %v, want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDo_RetryableStatusesExhaust(t *testing.T) {
	for _, status := range []int{408, 429, 500, 502, 503, 504, 520, 521, 522, 599} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := statusServer(t, &calls, func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"nope"}`))
			})
			clock := newFakeClock()
			c := newTestClient(clock, WithMaxRetries(2))
			defer c.Close()

			resp, err := c.Do(context.Background(), Request{URL: srv.URL})
			if !errors.Is(err, ErrMaxRetries) {
				t.Fatalf("Do() error = %v, want ErrMaxRetries", err)
			}
			if resp != nil {
				t.Errorf("Do() returned a response body: %s", resp.Body)
			}
			if got := calls.Load(); got != 3 {
				t.Errorf("calls = %d, want 3", got)
			}
			if _, ok := c.State(srv.URL); ok {
				t.Error("retry state should be cleared after final failure")
			}
		})
	}
}

func TestDo_NonRetryableReturnsResponse(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad`))
	})
	c := newTestClient(newFakeClock())
	defer c.Close()

	resp, err := c.Do(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest || string(resp.Body) != "bad" {
		t.Errorf("Do() = %d %q", resp.StatusCode, resp.Body)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_SuccessAfterBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(n int32, w http.ResponseWriter) {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`ok`))
	})
	clock := newFakeClock()
	c := newTestClient(clock)
	defer c.Close()

	resp, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	want := []time.Duration{500 * time.Millisecond, time.Second}
	got := clock.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, ok := c.State(srv.URL); ok {
		t.Error("retry state should be cleared on success")
	}
}

func TestDo_RetryAfterOverridesBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`ok`))
	})
	clock := newFakeClock()
	c := newTestClient(clock, WithRandom(func() float64 { return 0.5 }))
	defer c.Close()

	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 {
		t.Fatalf("sleeps = %v, want one wait", sleeps)
	}
	if sleeps[0] < 5*time.Second {
		t.Errorf("wait = %v, want >= 5s", sleeps[0])
	}
}

func TestDo_ContextCancelNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	c := newTestClient(clock, WithClock(nil, func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	defer c.Close()

	_, err := c.Do(ctx, Request{URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrMaxRetries) {
		t.Error("cancellation must not be reported as max retries")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestDo_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := newFakeClock()
	c := newTestClient(clock, WithMaxRetries(1))
	defer c.Close()

	_, err := c.Do(context.Background(), Request{URL: url})
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Do() error = %v, want ErrMaxRetries", err)
	}
	if got := len(clock.Sleeps()); got != 1 {
		t.Errorf("sleeps = %d, want 1", got)
	}
}

func TestDo_SharedStateContinuesAttemptCount(t *testing.T) {
	var calls atomic.Int32
	srv := statusServer(t, &calls, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	})
	clock := newFakeClock()
	c := newTestClient(clock, WithMaxRetries(3))
	defer c.Close()

	// Another caller already burned two attempts against this URL.
	c.states.update(srv.URL, 2, time.Second, clock.Now())

	if _, err := c.Do(context.Background(), Request{URL: srv.URL}); !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Do() error = %v, want ErrMaxRetries", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (attempts 3 and 4)", got)
	}
	if sleeps := clock.Sleeps(); len(sleeps) == 0 || sleeps[0] != time.Second {
		t.Errorf("first wait = %v, want the pending 1s window", sleeps)
	}
}

func TestStateStore_UpdateOnlyWhenAttemptGrows(t *testing.T) {
	s := newStateStore()
	defer s.close()
	now := time.Now()

	if !s.update("u", 2, time.Minute, now) {
		t.Fatal("first update should store")
	}
	if s.update("u", 1, time.Hour, now) {
		t.Error("smaller attempt must not overwrite")
	}
	if s.update("u", 2, time.Hour, now) {
		t.Error("equal attempt must not overwrite")
	}
	if !s.update("u", 3, 2*time.Minute, now) {
		t.Error("larger attempt should overwrite")
	}

	st, ok := s.get("u")
	if !ok || st.Attempt != 3 || st.Delay != 2*time.Minute {
		t.Errorf("get() = %+v, %v", st, ok)
	}

	s.delete("u")
	if s.len() != 0 {
		t.Errorf("len() = %d after delete", s.len())
	}
}

func TestStateStore_ExpiresAtNextAllowed(t *testing.T) {
	s := newStateStore()
	defer s.close()

	s.update("u", 1, 20*time.Millisecond, time.Now())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.get("u"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("state should expire once its window has passed")
}
