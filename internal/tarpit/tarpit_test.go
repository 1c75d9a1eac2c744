package tarpit

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgegate/internal/config"
)

func TestIsMaliciousPath(t *testing.T) {
	bad := []string{
		"/wp-login.php", "/wp-admin/", "/WordPress/readme.html", "/.env", "/.env.production",
		"/.git/config", "/.aws/credentials", "/.kube/config", "/app/credentials.json",
		"/service-account.json", "/cgi-bin/luci", "/actuator/health", "/swagger-ui.html",
		"/graphql", "/playground", "/phpMyAdmin/index", "/administrator/", "/Dockerfile",
		"/docker-compose.yml", "/terraform.tfstate", "/backup.sql", "/site.ZIP", "/db.tar",
		"/old.rar", "/www.backup", "/pma", "/pma/index", "/mysql", "/MySQL/", "/solr/admin",
	}
	for _, p := range bad {
		assert.True(t, IsMaliciousPath(p), p)
	}

	good := []string{
		"/", "/about", "/api/projects", "/blog/hello-world", "/projects/edge-gateway",
		"/admin", "/admin/projects", "/app.js", "/favicon.ico", "/sitemap.xml", "/sitemap.xml.gz",
		"/environment-variables-explained", "/health",
		"/pmarketing", "/mysql-tips", "/solaris", "/playgrounds-near-me",
	}
	for _, p := range good {
		assert.False(t, IsMaliciousPath(p), p)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"real ip wins", http.Header{"X-Real-Ip": {"203.0.113.7"}, "X-Forwarded-For": {"198.51.100.1"}}, "10.0.0.1:5555", "203.0.113.7"},
		{"first forwarded", http.Header{"X-Forwarded-For": {"198.51.100.1, 10.0.0.2"}}, "10.0.0.1:5555", "198.51.100.1"},
		{"garbage header skipped", http.Header{"X-Real-Ip": {"nope"}}, "10.0.0.1:5555", "10.0.0.1"},
		{"peer address", nil, "192.0.2.9:443", "192.0.2.9"},
		{"ipv6 peer", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"no peer info", nil, "", loopback},
		{"unix socket peer", nil, "@", loopback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header = tc.header
			if r.Header == nil {
				r.Header = http.Header{}
			}
			r.RemoteAddr = tc.remote
			assert.Equal(t, tc.want, ClientIP(r))
		})
	}
}

func TestGeneratorChunkSizes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for m := mode(0); m < numModes; m++ {
		g := newGenerator(m, rng)
		var all bytes.Buffer
		for i := 0; i < 200; i++ {
			n := between(rng, 1, 64)
			chunk := g.next(n)
			require.Len(t, chunk, n, m.String())
			all.Write(chunk)
		}
		switch m {
		case modeFakeAdmin:
			assert.True(t, strings.HasPrefix(all.String(), "<!DOCTYPE html>"))
			assert.Contains(t, all.String(), "<tr><td>")
		case modeFakeListing:
			assert.True(t, strings.HasPrefix(all.String(), `{"status":"ok"`))
			assert.Contains(t, all.String(), `"name":`)
		}
	}
}

func TestBetween(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 1000; i++ {
		v := between(rng, 5, 9)
		assert.GreaterOrEqual(t, v, 5)
		assert.LessOrEqual(t, v, 9)
	}
	assert.Equal(t, 7, between(rng, 7, 7))
}

// streamWriter is a concurrency-safe ResponseWriter that reports the status
// code as soon as it is written.
type streamWriter struct {
	header http.Header
	status chan<- int

	mu   sync.Mutex
	code int
	body bytes.Buffer
}

func newStreamWriter(status chan<- int) *streamWriter {
	return &streamWriter{header: http.Header{}, status: status}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(code int) {
	w.mu.Lock()
	first := w.code == 0
	if first {
		w.code = code
	}
	w.mu.Unlock()
	if first {
		w.status <- code
	}
}

func (w *streamWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.body.Write(b)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) snapshot() (code, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code, w.body.Len()
}

func fastConfig(global, perIP int) config.Tarpit {
	return config.Tarpit{
		Enabled:              true,
		DelayMinMs:           2,
		DelayMaxMs:           5,
		ChunkSizeMin:         4,
		ChunkSizeMax:         8,
		MaxGlobalConnections: global,
		MaxConnectionsPerIP:  perIP,
	}
}

type countingObserver struct {
	admitted, rejected, ended atomic.Int32
	bytes                     atomic.Int64
}

func (o *countingObserver) Admitted()       { o.admitted.Add(1) }
func (o *countingObserver) Rejected(string) { o.rejected.Add(1) }
func (o *countingObserver) StreamEnded(n int64, _ time.Duration) {
	o.ended.Add(1)
	o.bytes.Add(n)
}

type launched struct {
	writers []*streamWriter
	wg      sync.WaitGroup
	status  chan int
}

func launch(t *testing.T, tp *Tarpit, ctx context.Context, remotes []string) *launched {
	t.Helper()
	l := &launched{status: make(chan int, len(remotes))}
	for _, remote := range remotes {
		r := httptest.NewRequest(http.MethodGet, "/wp-login.php", nil).WithContext(ctx)
		r.RemoteAddr = remote
		w := newStreamWriter(l.status)
		l.writers = append(l.writers, w)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			tp.ServeHTTP(w, r)
		}()
	}
	return l
}

func (l *launched) collect(t *testing.T, n int) map[int]int {
	t.Helper()
	got := map[int]int{}
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case code := <-l.status:
			got[code]++
		case <-deadline:
			t.Fatalf("only %d of %d responses started", i, n)
		}
	}
	return got
}

func TestGlobalCapAdmitsExactlyN(t *testing.T) {
	obs := &countingObserver{}
	tp := New(fastConfig(3, 100), WithObserver(obs))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remotes := make([]string, 8)
	for i := range remotes {
		remotes[i] = fmt.Sprintf("10.0.0.%d:40000", i+1)
	}

	start := time.Now()
	l := launch(t, tp, ctx, remotes)
	got := l.collect(t, len(remotes))

	assert.Equal(t, 3, got[http.StatusOK])
	assert.Equal(t, 5, got[http.StatusServiceUnavailable])
	assert.Less(t, time.Since(start), time.Second, "rejections come back within the acquire timeout")
	assert.Equal(t, int64(3), tp.Active())
	assert.Equal(t, int32(3), obs.admitted.Load())
	assert.Equal(t, int32(5), obs.rejected.Load())

	// Streams keep dripping while connected.
	time.Sleep(50 * time.Millisecond)
	for _, w := range l.writers {
		if code, n := w.snapshot(); code == http.StatusOK {
			assert.Greater(t, n, 0)
		}
	}

	cancel()
	l.wg.Wait()
	assert.Equal(t, int64(0), tp.Active())
	assert.Equal(t, int32(3), obs.ended.Load())
	assert.True(t, tp.global.TryAcquire(3), "all global permits released")
}

func TestPerIPCap(t *testing.T) {
	tp := New(fastConfig(100, 2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	same := []string{"192.0.2.1:1", "192.0.2.1:2", "192.0.2.1:3", "192.0.2.1:4", "192.0.2.1:5"}
	l := launch(t, tp, ctx, same)
	got := l.collect(t, len(same))
	assert.Equal(t, 2, got[http.StatusOK])
	assert.Equal(t, 3, got[http.StatusServiceUnavailable])

	other := launch(t, tp, ctx, []string{"192.0.2.2:1"})
	assert.Equal(t, map[int]int{http.StatusOK: 1}, other.collect(t, 1))
	assert.Equal(t, 2, tp.TrackedSources())

	cancel()
	l.wg.Wait()
	other.wg.Wait()
	assert.True(t, tp.global.TryAcquire(100), "per-ip rejections give back their global permit")
}

func TestDisconnectReleasesPermits(t *testing.T) {
	tp := New(fastConfig(1, 1))

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := launch(t, tp, ctx1, []string{"198.51.100.5:1"})
	assert.Equal(t, map[int]int{http.StatusOK: 1}, first.collect(t, 1))

	cancel1()
	first.wg.Wait()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second := launch(t, tp, ctx2, []string{"198.51.100.5:2"})
	assert.Equal(t, map[int]int{http.StatusOK: 1}, second.collect(t, 1))
	cancel2()
	second.wg.Wait()
}

func TestRejectionResponse(t *testing.T) {
	tp := New(fastConfig(1, 1), WithAcquireTimeout(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	held := launch(t, tp, ctx, []string{"203.0.113.1:1"})
	held.collect(t, 1)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/.env", nil)
	r.RemoteAddr = "203.0.113.2:1"
	tp.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	cancel()
	held.wg.Wait()
}

func TestStreamHeaders(t *testing.T) {
	tp := New(fastConfig(1, 1))
	ctx, cancel := context.WithCancel(context.Background())
	l := launch(t, tp, ctx, []string{"203.0.113.9:1"})
	l.collect(t, 1)
	cancel()
	l.wg.Wait()

	h := l.writers[0].Header()
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Contains(t, []string{"application/octet-stream", "text/html; charset=utf-8", "application/json"}, h.Get("Content-Type"))
}
