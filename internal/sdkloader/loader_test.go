package sdkloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/roomchat/internal/engine"
)

const testEntryPoint = "test.engine/v1"

func testRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register(testEntryPoint, func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return nil, nil
	})
	return reg
}

func manifestServer(t *testing.T, hits *atomic.Int32, body string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoad_ResolvesRegisteredEntryPoint(t *testing.T) {
	req := require.New(t)
	var hits atomic.Int32
	srv := manifestServer(t, &hits, `{"entry_point":"test.engine/v1","version":"1.2.0","signaling_url":"ws://example/ws"}`, 0)

	l := New(Config{ManifestURL: srv.URL}, testRegistry())
	h, err := l.Load(context.Background())

	req.NoError(err)
	req.NotNil(h.Factory)
	req.Equal("1.2.0", h.Manifest.Version)
	req.Equal("ws://example/ws", h.Manifest.SignalingURL)
	req.Equal(1, l.Attempts())
}

func TestLoad_ConcurrentCallersShareOneFetch(t *testing.T) {
	req := require.New(t)
	var hits atomic.Int32
	srv := manifestServer(t, &hits, `{"entry_point":"test.engine/v1"}`, 50*time.Millisecond)
	l := New(Config{ManifestURL: srv.URL}, testRegistry())

	// When 100 callers load before the first fetch resolves
	var wg sync.WaitGroup
	handles := make([]*Handle, 100)
	errs := make([]error, 100)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = l.Load(context.Background())
		}(i)
	}
	wg.Wait()

	// Then exactly one request reached the server and everyone got the same handle
	req.Equal(int32(1), hits.Load())
	req.Equal(1, l.Attempts())
	for i, h := range handles {
		req.NoError(errs[i])
		req.Same(handles[0], h)
	}

	// And later callers are served from memory
	_, err := l.Load(context.Background())
	req.NoError(err)
	req.Equal(int32(1), hits.Load())
}

func TestLoad_Timeout(t *testing.T) {
	req := require.New(t)
	var hits atomic.Int32
	srv := manifestServer(t, &hits, `{"entry_point":"test.engine/v1"}`, time.Second)

	l := New(Config{ManifestURL: srv.URL, Timeout: 30 * time.Millisecond}, testRegistry())
	_, err := l.Load(context.Background())

	req.ErrorIs(err, ErrLoadTimeout)
}

func TestLoad_FailureIsMemoizedNotRetried(t *testing.T) {
	req := require.New(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	l := New(Config{ManifestURL: srv.URL}, testRegistry())
	_, err1 := l.Load(context.Background())
	_, err2 := l.Load(context.Background())

	req.ErrorIs(err1, ErrTransport)
	req.Equal(err1, err2)
	req.Equal(int32(1), hits.Load())
}

func TestLoad_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := New(Config{ManifestURL: url}, testRegistry())
	_, err := l.Load(context.Background())
	require.ErrorIs(t, err, ErrTransport)
}

func TestLoad_ManifestProblems(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"unknown entry point", `{"entry_point":"someone.else/v9"}`, ErrEntryPointMissing},
		{"no entry point", `{"version":"1.0.0"}`, ErrEntryPointMissing},
		{"not json", `<script src="engine.js"></script>`, ErrBadManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := manifestServer(t, &hits, tt.body, 0)
			l := New(Config{ManifestURL: srv.URL}, testRegistry())

			_, err := l.Load(context.Background())
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_NoSourceNeverFetches(t *testing.T) {
	req := require.New(t)
	l := New(Config{}, testRegistry())

	_, err := l.Load(context.Background())
	req.ErrorIs(err, ErrNoSource)
	req.Zero(l.Attempts())
}

func TestLoad_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	req := require.New(t)
	var hits atomic.Int32
	srv := manifestServer(t, &hits, `{"entry_point":"test.engine/v1"}`, 80*time.Millisecond)
	l := New(Config{ManifestURL: srv.URL}, testRegistry())

	// Given an impatient caller that gives up early
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Load(ctx)
	req.ErrorIs(err, context.DeadlineExceeded)

	// Then a patient caller still gets the result of the same fetch
	h, err := l.Load(context.Background())
	req.NoError(err)
	req.NotNil(h)
	req.Equal(int32(1), hits.Load())
}
