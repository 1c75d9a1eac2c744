// Package ratelog emits at most one log line per interval for call sites that
// can fire on every request.
package ratelog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Logger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	entry    *log.Entry
}

func New(interval time.Duration, fields log.Fields) *Logger {
	return &Logger{interval: interval, entry: log.WithFields(fields)}
}

// Warnf logs unless another line went out less than interval ago. Suppressed
// lines are counted and reported with the next line that gets through.
func (l *Logger) Warnf(format string, args ...any) bool {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	e := l.entry
	if dropped > 0 {
		e = e.WithField("suppressed", dropped)
	}
	e.Warnf(format, args...)
	return true
}
