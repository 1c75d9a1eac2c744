package assets

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStaticAsset(t *testing.T) {
	for _, p := range []string{"/app.js", "/styles/site.CSS", "/favicon.ico", "/img/a.webp", "/_app/immutable/chunk"} {
		assert.True(t, IsStaticAsset(p), p)
	}
	for _, p := range []string{"/", "/about", "/blog/post", "/sitemap.xml", "/api/projects"} {
		assert.False(t, IsStaticAsset(p), p)
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewFS(
		fstest.MapFS{
			"app.js":              {Data: []byte("console.log(1)")},
			"_app/immutable/x.js": {Data: []byte("x")},
			"img":                 {Mode: fs.ModeDir | 0o755},
		},
		fstest.MapFS{
			"index.html":      {Data: []byte("home")},
			"about.html":      {Data: []byte("about")},
			"docs/index.html": {Data: []byte("docs")},
			"404.html":        {Data: []byte("not found page")},
			"error.html":      {Data: []byte("generic error")},
			"notes.txt":       {Data: []byte("ignored")},
		},
	)
	require.NoError(t, err)
	return s
}

func TestServeAsset(t *testing.T) {
	s := newStore(t)

	w := httptest.NewRecorder()
	require.True(t, s.ServeAsset(w, httptest.NewRequest(http.MethodGet, "/app.js", nil)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())
	assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	require.True(t, s.ServeAsset(w, httptest.NewRequest(http.MethodGet, "/_app/immutable/x.js", nil)))
	assert.Contains(t, w.Header().Get("Cache-Control"), "immutable")

	for _, p := range []string{"/missing.js", "/img", "/"} {
		w = httptest.NewRecorder()
		assert.False(t, s.ServeAsset(w, httptest.NewRequest(http.MethodGet, p, nil)), p)
		assert.Empty(t, w.Header(), p)
	}
}

func TestPage(t *testing.T) {
	s := newStore(t)
	cases := map[string]string{
		"/":       "home",
		"/about":  "about",
		"/about/": "about",
		"/docs":   "docs",
	}
	for in, want := range cases {
		b, ok := s.Page(in)
		require.True(t, ok, in)
		assert.Equal(t, want, string(b), in)
	}
	for _, p := range []string{"/404", "/error", "/contact", "/notes.txt"} {
		_, ok := s.Page(p)
		assert.False(t, ok, p)
	}
}

func TestErrorPage(t *testing.T) {
	s := newStore(t)
	b, ok := s.ErrorPage(http.StatusNotFound)
	require.True(t, ok)
	assert.Equal(t, "not found page", string(b))

	b, ok = s.ErrorPage(http.StatusBadGateway)
	require.True(t, ok)
	assert.Equal(t, "generic error", string(b))

	empty, err := NewFS(nil, nil)
	require.NoError(t, err)
	_, ok = empty.ErrorPage(http.StatusNotFound)
	assert.False(t, ok)

	var nilStore *Store
	_, ok = nilStore.Page("/")
	assert.False(t, ok)
}
