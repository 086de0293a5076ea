package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baibot/bai/internal/metrics"
	"github.com/baibot/bai/internal/ratelimit"
)

func newTestCaller(t *testing.T, retries int, base time.Duration) (*Caller, *Recorder) {
	t.Helper()
	limiter := ratelimit.New(0)
	t.Cleanup(limiter.Close)

	recorder := NewRecorder()
	cfg := CallerConfig{Retries: retries, BaseDelay: base, Timeout: time.Second}
	return NewCaller(cfg, limiter, recorder, metrics.NewCollectorWithRegistry(prometheus.NewRegistry())), recorder
}

func TestRecorder_StartsUnknown(t *testing.T) {
	o := NewRecorder().Snapshot()
	assert.Equal(t, StatusUnknown, o.Status)
	assert.Zero(t, o.AttemptCount)
	assert.Nil(t, o.ResponseTime)
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewRecorder()
	d := 10 * time.Millisecond
	r.Record(Outcome{Status: StatusSuccess, ResponseTime: &d, AttemptCount: 1})

	snap := r.Snapshot()
	*snap.ResponseTime = time.Hour

	assert.Equal(t, 10*time.Millisecond, *r.Snapshot().ResponseTime)
}

func TestCaller_SuccessFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"hello":"world"}`, string(body))
		_, _ = w.Write([]byte("hi there"))
	}))
	defer srv.Close()

	caller, recorder := newTestCaller(t, 3, time.Millisecond)
	resp, err := caller.Do(context.Background(), Request{
		Name:   "text",
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   []byte(`{"hello":"world"}`),
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(resp.Body))

	o := recorder.Snapshot()
	assert.Equal(t, StatusSuccess, o.Status)
	assert.Equal(t, 1, o.AttemptCount)
	assert.NotNil(t, o.ResponseTime)
	assert.Empty(t, o.Error)
	assert.False(t, o.LastCheckedAt.IsZero())
}

func TestCaller_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	var caller *Caller
	var recorder *Recorder
	var seen []Outcome
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, recorder.Snapshot())
		mu.Unlock()

		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	caller, recorder = newTestCaller(t, 3, time.Millisecond)
	resp, err := caller.Do(context.Background(), Request{Name: "text", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// While attempt i runs, the record describes attempt i-1.
	require.Len(t, seen, 3)
	assert.Equal(t, StatusUnknown, seen[0].Status)
	assert.Equal(t, StatusFailed, seen[1].Status)
	assert.Equal(t, 1, seen[1].AttemptCount)
	assert.Equal(t, StatusFailed, seen[2].Status)
	assert.Equal(t, 2, seen[2].AttemptCount)
	assert.Contains(t, seen[2].Error, "503")

	o := recorder.Snapshot()
	assert.Equal(t, StatusSuccess, o.Status)
	assert.Equal(t, 3, o.AttemptCount)
	assert.Empty(t, o.Error)
	assert.NotNil(t, o.ResponseTime)
}

func TestCaller_ExhaustsWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	base := 20 * time.Millisecond
	caller, recorder := newTestCaller(t, 3, base)
	_, err := caller.Do(context.Background(), Request{Name: "text", URL: srv.URL})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), base)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 2*base)

	o := recorder.Snapshot()
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, 3, o.AttemptCount)
	assert.Nil(t, o.ResponseTime)
	assert.Contains(t, o.Error, "502")
}

func TestCaller_TimeoutIsFailedAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("late but fine"))
	}))
	defer srv.Close()

	caller, recorder := newTestCaller(t, 2, time.Millisecond)
	resp, err := caller.Do(context.Background(), Request{Name: "text", URL: srv.URL, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", string(resp.Body))
	assert.Equal(t, 2, recorder.Snapshot().AttemptCount)
}

func TestCaller_StopsWhenContextCancelled(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	caller, _ := newTestCaller(t, 5, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := caller.Do(ctx, Request{Name: "text", URL: srv.URL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCaller_RunSharesPolicy(t *testing.T) {
	caller, recorder := newTestCaller(t, 3, time.Millisecond)

	attempts := 0
	err := caller.Run(context.Background(), "gemini_text", 0, func(ctx context.Context) error {
		attempts++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if attempts == 1 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, recorder.Snapshot().AttemptCount)
}

func TestCaller_TransportErrorOmitsURL(t *testing.T) {
	const fileURL = "http://127.0.0.1:1/file/bot123456:SECRETTOKEN/photos/file_1.jpg"

	caller, recorder := newTestCaller(t, 1, time.Millisecond)
	_, err := caller.Do(context.Background(), Request{Name: "image_fetch", URL: fileURL})
	require.Error(t, err)

	snap := recorder.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	for _, msg := range []string{err.Error(), snap.Error} {
		assert.Contains(t, msg, "image_fetch")
		assert.NotContains(t, msg, "SECRETTOKEN")
		assert.NotContains(t, msg, "/file/bot")
		assert.NotContains(t, msg, "127.0.0.1:1")
	}
}

func TestCaller_OversizedBodyFailsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	limiter := ratelimit.New(0)
	t.Cleanup(limiter.Close)
	recorder := NewRecorder()
	caller := NewCaller(CallerConfig{Retries: 2, BaseDelay: time.Millisecond, MaxBody: 16}, limiter, recorder, nil)

	resp, err := caller.Do(context.Background(), Request{Name: "text", URL: srv.URL})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, StatusFailed, recorder.Snapshot().Status)
	assert.Equal(t, 2, recorder.Snapshot().AttemptCount)
}

func TestCaller_BodyAtLimitSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 16))
	}))
	defer srv.Close()

	limiter := ratelimit.New(0)
	t.Cleanup(limiter.Close)
	caller := NewCaller(CallerConfig{Retries: 1, MaxBody: 16}, limiter, NewRecorder(), nil)

	resp, err := caller.Do(context.Background(), Request{Name: "text", URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 16)
}

// An attempt still running when the caller's context is cancelled records
// its own outcome once it returns.
func TestCaller_CancelMidAttemptRecordsAfterReturn(t *testing.T) {
	caller, recorder := newTestCaller(t, 3, time.Millisecond)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(2*time.Millisecond, cancel)

		err := caller.Run(ctx, "text", time.Second, func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return ctx.Err()
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		assert.Eventually(t, func() bool {
			snap := recorder.Snapshot()
			return snap.Status == StatusFailed && snap.AttemptCount == 1
		}, time.Second, time.Millisecond)

		timer.Stop()
		cancel()
	}
}
