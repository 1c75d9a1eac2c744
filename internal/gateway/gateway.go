// Package gateway is the public entry point in front of the rendering backend.
// Every request is classified and then answered by the tarpit, the asset
// store, the page cache or the backend itself.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"edgegate/internal/assets"
	"edgegate/internal/config"
	"edgegate/internal/downstream"
	"edgegate/internal/health"
	"edgegate/internal/isr"
	"edgegate/internal/ratelog"
	"edgegate/internal/tarpit"
)

const (
	// backgroundSlots caps concurrent background refreshes.
	backgroundSlots = 32
	refreshTimeout  = 30 * time.Second
	// fillWait bounds how long a miss waits for another request to fill
	// the same key before going to the backend itself.
	fillWait = 30 * time.Second
)

// IdentityResolver validates a session cookie value and returns the user it
// belongs to.
type IdentityResolver interface {
	Resolve(ctx context.Context, session string) (user string, ok bool)
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context, session string) (string, bool)

func (f IdentityFunc) Resolve(ctx context.Context, session string) (string, bool) {
	return f(ctx, session)
}

// Options are the collaborators a Service is built from. Downstream, Cache and
// Health are required.
type Options struct {
	Downstream *downstream.Client
	Cache      *isr.Cache
	Health     *health.Checker
	Tarpit     *tarpit.Tarpit
	Assets     *assets.Store
	Identity   IdentityResolver
	Metrics    *Metrics

	// PeerInfo is true when the listener reports client addresses. Without
	// it the tarpit cannot tell sources apart and stays off.
	PeerInfo bool
}

type Service struct {
	cfg config.Config

	down     *downstream.Client
	cache    *isr.Cache
	health   *health.Checker
	tarpit   *tarpit.Tarpit
	assets   *assets.Store
	identity IdentityResolver
	metrics  *Metrics
	peerInfo bool

	router *mux.Router

	bgSem chan struct{}

	bgMu    sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	overflowLog *ratelog.Logger
	downLog     *ratelog.Logger

	stats *statsCollector
}

func New(cfg config.Config, o Options) (*Service, error) {
	if o.Downstream == nil {
		return nil, errors.New("gateway: downstream client is required")
	}
	if o.Cache == nil {
		return nil, errors.New("gateway: isr cache is required")
	}
	if o.Health == nil {
		return nil, errors.New("gateway: health checker is required")
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	s := &Service{
		cfg:         cfg,
		down:        o.Downstream,
		cache:       o.Cache,
		health:      o.Health,
		tarpit:      o.Tarpit,
		assets:      o.Assets,
		identity:    o.Identity,
		metrics:     o.Metrics,
		peerInfo:    o.PeerInfo,
		bgSem:       make(chan struct{}, backgroundSlots),
		stopCh:      make(chan struct{}),
		overflowLog: ratelog.New(time.Minute, log.Fields{"component": "isr"}),
		downLog:     ratelog.New(10*time.Second, log.Fields{"component": "downstream"}),
		stats:       newStatsCollector(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").HandlerFunc(s.dispatch)
	s.router = r

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startWarmup()

	if o.Tarpit != nil && o.Tarpit.Enabled() && !o.PeerInfo {
		log.Warn("gateway: listener has no peer addresses, tarpit disabled")
	}
	return s, nil
}

func (s *Service) Handler() http.Handler {
	return s.router
}

// Close stops background loops and waits for in-flight refreshes. The cache
// is owned by the caller and must be closed after this returns.
func (s *Service) Close() {
	s.bgMu.Lock()
	if s.stopped {
		s.bgMu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.bgMu.Unlock()
	s.wg.Wait()
}

// addBackground registers a background goroutine with wg. It returns false
// once Close has started; handlers still running after shutdown land here.
func (s *Service) addBackground() bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.metrics.route("health")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.health.Check(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("unavailable\n"))
}

func (s *Service) tarpitting() bool {
	return s.peerInfo && s.tarpit != nil && s.tarpit.Enabled()
}
