package tarpit

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

type mode int

const (
	modeRandomBytes mode = iota
	modeFakeAdmin
	modeFakeListing
	numModes
)

func (m mode) String() string {
	switch m {
	case modeRandomBytes:
		return "random"
	case modeFakeAdmin:
		return "html"
	case modeFakeListing:
		return "json"
	}
	return "unknown"
}

func (m mode) contentType() string {
	switch m {
	case modeFakeAdmin:
		return "text/html; charset=utf-8"
	case modeFakeListing:
		return "application/json"
	}
	return "application/octet-stream"
}

// generator yields an endless byte stream in fixed-size chunks. Text modes
// buffer whole records and cut them at chunk boundaries.
type generator struct {
	rng     *rand.Rand
	mode    mode
	pending []byte
	started bool
	seq     int
}

func newGenerator(m mode, rng *rand.Rand) *generator {
	return &generator{rng: rng, mode: m}
}

// next returns exactly n bytes.
func (g *generator) next(n int) []byte {
	if g.mode == modeRandomBytes {
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(g.rng.Uint32())
		}
		return out
	}
	for len(g.pending) < n {
		g.fill()
	}
	out := append([]byte(nil), g.pending[:n]...)
	g.pending = g.pending[n:]
	return out
}

func (g *generator) fill() {
	if !g.started {
		g.started = true
		g.pending = append(g.pending, g.preamble()...)
		return
	}
	g.seq++
	g.pending = append(g.pending, g.record()...)
}

func (g *generator) preamble() string {
	if g.mode == modeFakeAdmin {
		return "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Administration Panel</title>" +
			"<link rel=\"stylesheet\" href=\"/admin/assets/panel.css\"></head>\n<body><div id=\"panel\">" +
			"<h1>Control Panel</h1><form method=\"post\" action=\"/administrator/index.php\">" +
			"<input type=\"hidden\" name=\"token\" value=\"" + g.hex(32) + "\"></form>\n<table class=\"users\">\n" +
			"<tr><th>id</th><th>user</th><th>email</th><th>role</th><th>last login</th></tr>\n"
	}
	return "{\"status\":\"ok\",\"path\":\"/backup\",\"total\":" + fmt.Sprint(100000+g.rng.IntN(900000)) + ",\"files\":[\n"
}

var (
	fakeRoles = []string{"admin", "editor", "superuser", "root", "operator"}
	fakeExts  = []string{".sql", ".sql.gz", ".tar.gz", ".zip", ".bak", ".env", ".pem"}
	fakeNames = []string{"backup", "db_dump", "prod", "users", "wallet", "site", "config", "secrets"}
)

func (g *generator) record() string {
	if g.mode == modeFakeAdmin {
		user := g.word()
		return fmt.Sprintf("<tr><td>%d</td><td>%s</td><td>%s@%s.com</td><td>%s</td><td>%s</td></tr>\n",
			g.seq, user, user, g.word(), fakeRoles[g.rng.IntN(len(fakeRoles))], g.timestamp())
	}
	name := fakeNames[g.rng.IntN(len(fakeNames))] + "_" + g.timestamp()[:10] + fakeExts[g.rng.IntN(len(fakeExts))]
	return fmt.Sprintf("{\"name\":%q,\"size\":%d,\"modified\":%q,\"sha1\":%q},\n",
		name, 1024+g.rng.IntN(1<<30), g.timestamp(), g.hex(40))
}

func (g *generator) word() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b strings.Builder
	n := 4 + g.rng.IntN(8)
	for i := 0; i < n; i++ {
		b.WriteByte(letters[g.rng.IntN(len(letters))])
	}
	return b.String()
}

func (g *generator) hex(n int) string {
	const digits = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = digits[g.rng.IntN(16)]
	}
	return string(b)
}

func (g *generator) timestamp() string {
	base := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(g.rng.Int64N(int64(5 * 365 * 24 * time.Hour)))).Format(time.RFC3339)
}

// between returns a uniform value in [lo, hi].
func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}
