// Package assets serves static files and prerendered pages without touching
// the rendering backend.
package assets

import (
	"io/fs"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var staticExtensions = map[string]struct{}{
	".js": {}, ".mjs": {}, ".css": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {}, ".webp": {}, ".avif": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".mp4": {}, ".webm": {}, ".mp3": {}, ".wasm": {},
	".webmanifest": {},
}

// immutablePrefix holds content-hashed build output.
const immutablePrefix = "/_app/immutable/"

// IsStaticAsset classifies p by extension or build-output prefix.
func IsStaticAsset(p string) bool {
	if strings.HasPrefix(p, immutablePrefix) {
		return true
	}
	_, ok := staticExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

// GenericErrorPage is the page used when no status-specific one exists.
const GenericErrorPage = "error.html"

// Store holds the static asset tree and the prerendered pages. Pages are read
// once at construction; assets are served from the filesystem on demand.
type Store struct {
	static fs.FS
	pages  map[string][]byte
}

// New opens the given directories; an empty path disables that half.
func New(staticDir, pagesDir string) (*Store, error) {
	var static, pages fs.FS
	if staticDir != "" {
		if _, err := os.Stat(staticDir); err != nil {
			return nil, errors.Wrap(err, "static dir")
		}
		static = os.DirFS(staticDir)
	}
	if pagesDir != "" {
		if _, err := os.Stat(pagesDir); err != nil {
			return nil, errors.Wrap(err, "pages dir")
		}
		pages = os.DirFS(pagesDir)
	}
	return NewFS(static, pages)
}

// NewFS builds a store from arbitrary filesystems, either of which may be nil.
func NewFS(static, pages fs.FS) (*Store, error) {
	s := &Store{static: static, pages: map[string][]byte{}}
	if pages == nil {
		return s, nil
	}
	err := fs.WalkDir(pages, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(name, ".html") {
			return nil
		}
		b, err := fs.ReadFile(pages, name)
		if err != nil {
			return err
		}
		s.pages[name] = b
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load prerendered pages")
	}
	log.WithField("pages", len(s.pages)).Debug("assets: prerendered pages loaded")
	return s, nil
}

// ServeAsset writes the static file for r.URL.Path and reports whether one
// existed. Nothing is written when it returns false.
func (s *Store) ServeAsset(w http.ResponseWriter, r *http.Request) bool {
	if s == nil || s.static == nil {
		return false
	}
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if !fs.ValidPath(name) || name == "." {
		return false
	}
	st, err := fs.Stat(s.static, name)
	if err != nil || st.IsDir() {
		return false
	}
	if strings.HasPrefix(r.URL.Path, immutablePrefix) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	http.ServeFileFS(w, r, s.static, name)
	return true
}

// Page returns the prerendered HTML for a request path. "/" maps to
// index.html, "/about" to about.html or about/index.html.
func (s *Store) Page(urlPath string) ([]byte, bool) {
	if s == nil || len(s.pages) == 0 {
		return nil, false
	}
	clean := strings.Trim(path.Clean("/"+urlPath), "/")
	candidates := []string{"index.html"}
	if clean != "" {
		candidates = []string{clean + ".html", clean + "/index.html"}
	}
	for _, c := range candidates {
		if isErrorPage(c) {
			continue
		}
		if b, ok := s.pages[c]; ok {
			return b, true
		}
	}
	return nil, false
}

// ErrorPage returns the page for status, falling back to the generic error page.
func (s *Store) ErrorPage(status int) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	if b, ok := s.pages[strconv.Itoa(status)+".html"]; ok {
		return b, true
	}
	b, ok := s.pages[GenericErrorPage]
	return b, ok
}

// isErrorPage keeps "/404" and "/error" from being served as regular pages
// with a 200.
func isErrorPage(name string) bool {
	if name == GenericErrorPage {
		return true
	}
	base := strings.TrimSuffix(name, ".html")
	if len(base) != 3 {
		return false
	}
	n, err := strconv.Atoi(base)
	return err == nil && n >= 400 && n < 600
}
