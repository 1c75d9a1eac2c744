package gateway

import (
	"mime"
	"net/http"
	"strings"
)

// acceptsHTML reports whether the client listed an HTML media type. A bare
// */* does not count, so curl and API clients keep plain responses.
func acceptsHTML(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt == "text/html" || mt == "application/xhtml+xml" {
				return true
			}
		}
	}
	return false
}

// renderError answers with status. Browsers get the prerendered page for the
// status, then the generic error page; everyone else gets plain text.
func (s *Service) renderError(w http.ResponseWriter, r *http.Request, status int) {
	if acceptsHTML(r) {
		if page, ok := s.assets.ErrorPage(status); ok {
			writePage(w, r, status, page)
			return
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(status), status)
}
