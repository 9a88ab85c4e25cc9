package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		body    string
		healthy bool
		reason  string
	}{
		{"ok", 200, `{"status":"OK"}`, true, ""},
		{"failed", 200, `{"status":"FAILED","reason":"output directory not writable","detail":"[Errno 13] Permission denied"}`, false, "output directory not writable"},
		{"server error", 500, `{"status":"OK"}`, false, ""},
		{"not json", 200, `hello`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/_health", r.URL.Path)
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res, err := NewChecker(time.Second).Probe(context.Background(), srv.URL+"/_health")
			require.NoError(t, err)
			assert.Equal(t, tc.healthy, res.Healthy)
			assert.Equal(t, tc.code, res.StatusCode)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestProbeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := NewChecker(time.Second).Probe(context.Background(), url)
	require.Error(t, err)
}

func TestWaitHealthyEventually(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	res, err := NewChecker(time.Second).WaitHealthy(context.Background(), srv.URL, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestWaitHealthyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"FAILED","reason":"database locked"}`))
	}))
	defer srv.Close()

	res, err := NewChecker(time.Second).WaitHealthy(context.Background(), srv.URL, 100*time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "database locked")
	assert.Equal(t, "database locked", res.Reason)
}

func TestWaitHealthyZeroIntervalDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	var res Result
	var err error
	require.NotPanics(t, func() {
		res, err = NewChecker(time.Second).WaitHealthy(context.Background(), srv.URL, time.Second, 0)
	})
	require.NoError(t, err)
	assert.True(t, res.Healthy)
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:5000/_health", URL("", 5000, "/_health"))
	assert.Equal(t, "http://127.0.0.1:5000/_health", URL("0.0.0.0", 5000, "_health"))
	assert.Equal(t, "http://10.0.0.2:8080/_health", URL("10.0.0.2", 8080, "/_health"))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "healthy", Result{Healthy: true}.String())
	assert.Equal(t, "unhealthy (HTTP 200, status FAILED): disk: full", Result{StatusCode: 200, Status: "FAILED", Reason: "disk", Detail: "full"}.String())
}
