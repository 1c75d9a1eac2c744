package gateway

import (
	"net/http"
	"strings"

	"edgegate/internal/assets"
	"edgegate/internal/tarpit"
)

const internalPrefix = "/internal"

// dispatch is the fallback handler for every path without a dedicated route.
func (s *Service) dispatch(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path

	if s.tarpitting() && tarpit.IsMaliciousPath(p) {
		s.metrics.route("tarpit")
		s.tarpit.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.metrics.route("method_not_allowed")
		w.Header().Set("Allow", "GET, HEAD")
		s.renderError(w, r, http.StatusMethodNotAllowed)
		return
	}

	// Internal endpoints are reported missing whether or not they exist.
	if p == internalPrefix || strings.HasPrefix(p, internalPrefix+"/") {
		s.metrics.route("internal")
		s.renderError(w, r, http.StatusNotFound)
		return
	}

	if assets.IsStaticAsset(p) && s.assets.ServeAsset(w, r) {
		s.metrics.route("asset")
		return
	}

	if page, ok := s.assets.Page(p); ok {
		s.metrics.route("page")
		writePage(w, r, http.StatusOK, page)
		return
	}

	s.metrics.route("proxy")
	s.proxy(w, r)
}

func writePage(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	h := w.Header()
	h.Del("Content-Length")
	h.Set("Content-Type", "text/html; charset=utf-8")
	if status >= http.StatusBadRequest {
		h.Set("Cache-Control", "no-store")
	} else {
		h.Set("Cache-Control", "public, max-age=300")
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}
