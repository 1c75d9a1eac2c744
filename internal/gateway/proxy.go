package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"edgegate/internal/isr"
)

// X-Cache values.
const (
	cacheHit    = "HIT"
	cacheStale  = "STALE"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
)

// forwardHeaders is the allowlist of client request headers the backend sees.
// Anything else, including any copy of the identity header, is dropped.
var forwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"Cookie",
	"If-Modified-Since",
	"If-None-Match",
	"Referer",
	"User-Agent",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Real-Ip",
}

// hopHeaders apply to a single connection and are never copied onto the
// client response. Content-Length is recomputed by the server.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func (s *Service) proxy(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "/api" || strings.HasPrefix(p, "/api/") {
		// The API is mounted ahead of the gateway; getting here means the
		// deployment routes it wrong.
		log.WithFields(log.Fields{"method": r.Method, "path": p}).Error("gateway: api request reached the page proxy")
		s.renderError(w, r, http.StatusInternalServerError)
		return
	}

	user, authed := s.sessionUser(r)
	// The key keeps the escaped path so /a%3Fb and /a?b stay apart.
	key := isr.CacheKey(r.URL.EscapedPath(), r.URL.RawQuery)
	useCache := s.cache.Enabled() && !authed && isr.IsCacheable(p)

	if useCache {
		if ent, ok := s.cache.Get(key); ok {
			if s.cache.IsFresh(ent) {
				s.metrics.lookup("hit")
				s.writeEntry(w, r, ent, cacheHit)
				return
			}
			s.metrics.lookup("stale")
			s.writeEntry(w, r, ent, cacheStale)
			s.refreshAsync(key, r.URL.RequestURI())
			return
		}
	}

	// Concurrent GET misses on one key share a single backend render: the
	// caller holding the refresh marker fills the entry, the rest wait for it.
	filling := false
	if useCache && r.Method == http.MethodGet {
		if s.cache.StartRefresh(key) {
			// The previous holder may have filled it between our lookup and
			// taking the marker.
			if ent, ok := s.cache.Get(key); ok && s.cache.IsFresh(ent) {
				s.cache.EndRefresh(key)
				s.metrics.lookup("hit")
				s.writeEntry(w, r, ent, cacheHit)
				return
			}
			filling = true
		} else if ent, ok := s.awaitFill(r.Context(), key); ok {
			s.metrics.lookup("hit")
			s.writeEntry(w, r, ent, cacheHit)
			return
		}
	}

	resp, err := s.down.Do(r.Context(), r.Method, r.URL.RequestURI(), s.upstreamHeader(r, user, authed))
	if err != nil {
		if filling {
			s.cache.EndRefresh(key)
		}
		s.metrics.downstreamFails.Inc()
		s.downLog.Warnf("gateway: backend unreachable for %s: %v", p, err)
		s.renderError(w, r, http.StatusBadGateway)
		return
	}

	// HEAD answers carry no body and are never stored.
	label := cacheBypass
	if useCache && r.Method == http.MethodGet {
		label = cacheMiss
		s.metrics.lookup("miss")
		if responseCacheable(resp.Status, resp.Header) {
			s.cache.Insert(key, isr.NewEntry(resp.Status, resp.Header, resp.Body, time.Now()))
		}
	} else {
		s.metrics.lookup("bypass")
	}
	if filling {
		s.cache.EndRefresh(key)
	}

	if resp.Status >= http.StatusBadRequest && acceptsHTML(r) {
		s.renderError(w, r, resp.Status)
		return
	}
	s.writeResponse(w, r, resp.Status, resp.Header, resp.Body, label)
}

// awaitFill waits, up to fillWait, for the request filling key and returns
// the entry it stored. It reports false if nothing usable was stored.
func (s *Service) awaitFill(ctx context.Context, key string) (*isr.Entry, bool) {
	if done := s.cache.RefreshDone(key); done != nil {
		t := time.NewTimer(fillWait)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
	ent, ok := s.cache.Get(key)
	if !ok || !s.cache.IsFresh(ent) {
		return nil, false
	}
	return ent, true
}

// sessionUser resolves the session cookie, if any, to a user.
func (s *Service) sessionUser(r *http.Request) (string, bool) {
	if s.identity == nil || s.cfg.Session.Cookie == "" {
		return "", false
	}
	c, err := r.Cookie(s.cfg.Session.Cookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	user, ok := s.identity.Resolve(r.Context(), c.Value)
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

// upstreamHeader builds the backend request headers from the allowlist and
// sets the trusted identity header only for a validated session.
func (s *Service) upstreamHeader(r *http.Request, user string, authed bool) http.Header {
	h := make(http.Header, len(forwardHeaders)+3)
	for _, k := range forwardHeaders {
		if vs := r.Header.Values(k); len(vs) > 0 {
			h[k] = append([]string(nil), vs...)
		}
	}

	idHeader := s.cfg.Session.IdentityHeader
	h.Del(idHeader)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		h.Set("X-Forwarded-For", host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}

	if authed && idHeader != "" {
		h.Set(idHeader, user)
	}
	return h
}

// responseCacheable reports whether a backend answer may be shared between
// visitors.
func responseCacheable(status int, h http.Header) bool {
	if status < 200 || status >= 300 {
		return false
	}
	if len(h.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(h.Get("Cache-Control"))
	for _, directive := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(cc, directive) {
			return false
		}
	}
	return true
}

func (s *Service) writeEntry(w http.ResponseWriter, r *http.Request, ent *isr.Entry, label string) {
	s.writeResponse(w, r, ent.Status, ent.Header, ent.Body, label)
}

func (s *Service) writeResponse(w http.ResponseWriter, r *http.Request, status int, header http.Header, body []byte, label string) {
	copyResponseHeader(w.Header(), header)
	setCacheHeader(w.Header(), label)
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	if label == cacheHit || label == cacheMiss {
		s.stats.Observe(len(body))
	}
}

// copyResponseHeader copies src into dst minus hop-by-hop headers, including
// any named in src's Connection header.
func copyResponseHeader(dst, src http.Header) {
	listed := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				listed[http.CanonicalHeaderKey(f)] = struct{}{}
			}
		}
	}
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, ok := hopHeaders[ck]; ok {
			continue
		}
		if _, ok := listed[ck]; ok {
			continue
		}
		if strings.EqualFold(ck, "X-Cache") {
			continue
		}
		for _, v := range vs {
			dst.Add(ck, v)
		}
	}
}

func setCacheHeader(h http.Header, label string) {
	if label != "" {
		h.Set("X-Cache", label)
	}
	// Browser scripts can only read custom headers that are exposed.
	ensureExposedHeader(h, "X-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// refreshAsync regenerates key in the background unless a refresh for it is
// already running or the background slots are exhausted.
func (s *Service) refreshAsync(key, requestURI string) {
	if !s.cache.StartRefresh(key) {
		return
	}
	select {
	case s.bgSem <- struct{}{}:
	default:
		s.cache.EndRefresh(key)
		s.metrics.refreshed("dropped")
		s.overflowLog.Warnf("isr: background slots full, skipping refresh of %s", key)
		return
	}

	if !s.addBackground() {
		<-s.bgSem
		s.cache.EndRefresh(key)
		return
	}
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		defer s.cache.EndRefresh(key)

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		s.metrics.refreshed(s.refreshOnce(ctx, key, requestURI))
	}()
}

// refreshOnce fetches requestURI anonymously and stores or drops key. The
// caller holds the refresh marker for key. It returns the outcome label.
func (s *Service) refreshOnce(ctx context.Context, key, requestURI string) string {
	resp, err := s.down.Do(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		log.WithError(err).WithField("key", key).Debug("isr: refresh failed, keeping stale entry")
		return "error"
	}
	if !responseCacheable(resp.Status, resp.Header) {
		s.cache.Invalidate(key)
		log.WithFields(log.Fields{"key": key, "status": resp.Status}).Debug("isr: refresh not cacheable, invalidated")
		return "invalidated"
	}
	s.cache.Insert(key, isr.NewEntry(resp.Status, resp.Header, resp.Body, time.Now()))
	log.WithField("key", key).Debug("isr: refreshed")
	return "ok"
}
