package isr

import (
	"strings"

	"edgegate/internal/assets"
)

// CacheKey folds the query into the key because rendered output can vary by
// query parameter. An empty query collapses to the bare path. path must be
// the escaped form (url.URL.EscapedPath) or an encoded "?" would collide
// with the query separator.
func CacheKey(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

// IsCacheable reports whether a rendered page at path may be stored. Admin,
// API, internal and static asset paths never are.
func IsCacheable(path string) bool {
	switch {
	case strings.HasPrefix(path, "/admin"),
		strings.HasPrefix(path, "/api/"),
		strings.HasPrefix(path, "/internal/"):
		return false
	}
	return !assets.IsStaticAsset(path)
}
