// Package tarpit answers vulnerability scanners with slow, endless responses
// under global and per-source admission caps.
package tarpit

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"edgegate/internal/config"
	"edgegate/internal/ratelog"
)

// AcquireTimeout bounds each permit acquisition. Past it the request gets a
// 503 instead of queueing.
const AcquireTimeout = 100 * time.Millisecond

// writeGrace is added to the chunk delay when extending the write deadline.
const writeGrace = 10 * time.Second

// Observer receives admission and stream events, typically for metrics.
type Observer interface {
	Admitted()
	Rejected(scope string)
	StreamEnded(bytes int64, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Admitted()                        {}
func (nopObserver) Rejected(string)                  {}
func (nopObserver) StreamEnded(int64, time.Duration) {}

type Tarpit struct {
	cfg            config.Tarpit
	acquireTimeout time.Duration
	observer       Observer

	global *semaphore.Weighted

	// perIP entries are created on first sighting and kept for the life of
	// the process.
	mu    sync.Mutex
	perIP map[string]*semaphore.Weighted

	active    atomic.Int64
	rejectLog *ratelog.Logger
}

type Option func(*Tarpit)

func WithObserver(o Observer) Option {
	return func(t *Tarpit) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithAcquireTimeout overrides AcquireTimeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(t *Tarpit) { t.acquireTimeout = d }
}

func New(cfg config.Tarpit, opts ...Option) *Tarpit {
	t := &Tarpit{
		cfg:            cfg,
		acquireTimeout: AcquireTimeout,
		observer:       nopObserver{},
		global:         semaphore.NewWeighted(int64(cfg.MaxGlobalConnections)),
		perIP:          make(map[string]*semaphore.Weighted),
		rejectLog:      ratelog.New(time.Minute, log.Fields{"component": "tarpit"}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tarpit) Enabled() bool { return t.cfg.Enabled }

// Active is the number of streams currently held open.
func (t *Tarpit) Active() int64 { return t.active.Load() }

// TrackedSources is the number of per-IP permit pools created so far.
func (t *Tarpit) TrackedSources() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.perIP)
}

func (t *Tarpit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	release, scope := t.admit(r.Context(), ip)
	if release == nil {
		t.observer.Rejected(scope)
		t.rejectLog.Warnf("tarpit: %s cap reached, rejecting %s %s", scope, ip, r.URL.Path)
		w.Header().Set("Retry-After", "60")
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer release()

	t.observer.Admitted()
	t.active.Add(1)
	defer t.active.Add(-1)

	t.drip(w, r, ip)
}

// admit takes one global and one per-IP permit. On failure it returns a nil
// release func and the scope that was full.
func (t *Tarpit) admit(ctx context.Context, ip string) (release func(), scope string) {
	if !t.acquire(ctx, t.global) {
		return nil, "global"
	}
	src := t.sourcePermits(ip)
	if !t.acquire(ctx, src) {
		t.global.Release(1)
		return nil, "per_ip"
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			src.Release(1)
			t.global.Release(1)
		})
	}, ""
}

func (t *Tarpit) acquire(ctx context.Context, sem *semaphore.Weighted) bool {
	ctx, cancel := context.WithTimeout(ctx, t.acquireTimeout)
	defer cancel()
	return sem.Acquire(ctx, 1) == nil
}

func (t *Tarpit) sourcePermits(ip string) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.perIP[ip]
	if !ok {
		sem = semaphore.NewWeighted(int64(t.cfg.MaxConnectionsPerIP))
		t.perIP[ip] = sem
	}
	return sem
}

// drip streams chunks until the client goes away. It never returns on its own.
func (t *Tarpit) drip(w http.ResponseWriter, r *http.Request, ip string) {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	m := mode(rng.IntN(int(numModes)))
	gen := newGenerator(m, rng)

	start := time.Now()
	var sent int64
	defer func() {
		d := time.Since(start)
		t.observer.StreamEnded(sent, d)
		log.WithFields(log.Fields{
			"ip":       ip,
			"path":     r.URL.Path,
			"mode":     m.String(),
			"duration": d.Round(time.Millisecond),
			"bytes":    sent,
		}).Debug("tarpit: connection closed")
	}()

	h := w.Header()
	h.Set("Content-Type", m.contentType())
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ctx := r.Context()
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		delay := time.Duration(between(rng, t.cfg.DelayMinMs, t.cfg.DelayMaxMs)) * time.Millisecond
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := rc.SetWriteDeadline(time.Now().Add(delay + writeGrace)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return
		}
		n, err := w.Write(gen.next(between(rng, t.cfg.ChunkSizeMin, t.cfg.ChunkSizeMax)))
		sent += int64(n)
		if err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
