package isr

import (
	"net/http"
	"time"
)

// Entry is one rendered response. Entries are never mutated after Insert; a
// refresh stores a new Entry under the same key.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry copies header (minus Content-Length, which is recomputed on the
// way out) and stamps the entry with now.
func NewEntry(status int, header http.Header, body []byte, now time.Time) *Entry {
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Length")
	return &Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: now,
	}
}

func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}
