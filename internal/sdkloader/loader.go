// Package sdkloader fetches the external engine manifest and resolves its
// entry point to an engine factory. A Loader performs at most one fetch in its
// lifetime; every caller observes the same outcome.
package sdkloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/metrics"
)

// DefaultTimeout bounds the single fetch when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxManifestBytes caps the manifest body that is read.
const maxManifestBytes = 64 << 10

var (
	ErrNoSource          = errors.New("sdkloader: no manifest url configured")
	ErrLoadTimeout       = errors.New("sdkloader: load timed out")
	ErrTransport         = errors.New("sdkloader: transport error")
	ErrBadManifest       = errors.New("sdkloader: malformed manifest")
	ErrEntryPointMissing = errors.New("sdkloader: entry point not found")
)

// Manifest describes a remotely hosted engine.
type Manifest struct {
	EntryPoint   string `json:"entry_point"`
	Version      string `json:"version"`
	SignalingURL string `json:"signaling_url"`
}

// Handle is a successfully loaded engine: the manifest that announced it and
// the factory registered under its entry point.
type Handle struct {
	Manifest Manifest
	Factory  engine.Factory
}

// Config holds loader settings.
type Config struct {
	ManifestURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Loader memoizes a single manifest fetch.
type Loader struct {
	cfg      Config
	registry *engine.Registry
	log      *slog.Logger

	once     sync.Once
	done     chan struct{}
	handle   *Handle
	err      error
	attempts atomic.Int32
}

// New creates a Loader resolving entry points against registry.
func New(cfg Config, registry *engine.Registry) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Loader{
		cfg:      cfg,
		registry: registry,
		log:      log.With("component", "sdkloader"),
		done:     make(chan struct{}),
	}
}

// Load returns the shared outcome of the loader's single fetch, starting it
// on the first call. ctx only bounds how long this caller waits; cancelling
// it does not abort the fetch other callers are waiting on.
func (l *Loader) Load(ctx context.Context) (*Handle, error) {
	l.once.Do(func() {
		if l.cfg.ManifestURL == "" {
			l.err = ErrNoSource
			close(l.done)
			return
		}
		l.attempts.Add(1)
		go l.fetch()
	})

	select {
	case <-l.done:
		return l.handle, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Attempts returns the number of fetches started, which is 0 or 1.
func (l *Loader) Attempts() int {
	return int(l.attempts.Load())
}

// Done is closed once the outcome is known.
func (l *Loader) Done() <-chan struct{} {
	return l.done
}

func (l *Loader) fetch() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	handle, err := l.resolve(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrLoadTimeout, l.cfg.Timeout, err)
	}
	metrics.SDKLoadDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		l.log.Warn("engine load failed", "url", l.cfg.ManifestURL, "err", err)
	} else {
		l.log.Info("engine loaded", "entry_point", handle.Manifest.EntryPoint,
			"version", handle.Manifest.Version, "elapsed", time.Since(start).Round(time.Millisecond))
	}

	l.handle, l.err = handle, err
	close(l.done)
}

func (l *Loader) resolve(ctx context.Context) (*Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.ManifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrTransport, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	if m.EntryPoint == "" {
		return nil, fmt.Errorf("%w: manifest has no entry_point", ErrEntryPointMissing)
	}

	factory, ok := l.registry.Lookup(m.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrEntryPointMissing, m.EntryPoint)
	}
	return &Handle{Manifest: m, Factory: factory}, nil
}
