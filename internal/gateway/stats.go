package gateway

import (
	"math"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"edgegate/internal/config"
)

// statsCollector tracks sizes of responses served from or into the cache.
type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.responses.Add(1)
	s.bytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	return statsSnapshot{
		Responses: count,
		MinBytes:  s.minBytes.Load(),
		AvgBytes:  s.bytes.Load() / count,
		MaxBytes:  s.maxBytes.Load(),
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	cs := s.cache.Stats()
	ss := s.stats.Snapshot()
	fields := log.Fields{
		"ram_entries": cs.RAMEntries,
		"disk_keys":   cs.DiskKeys,
		"disk_usage":  config.FormatBytes(uint64(cs.DiskBytes)),
		"refreshing":  cs.Refreshing,
		"responses":   ss.Responses,
	}
	if s.tarpit != nil {
		fields["tarpit_active"] = s.tarpit.Active()
		fields["tarpit_sources"] = s.tarpit.TrackedSources()
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = config.FormatBytes(rss)
	}
	log.WithFields(fields).Infof("stats: resp min/avg/max %s/%s/%s",
		config.FormatBytes(ss.MinBytes),
		config.FormatBytes(ss.AvgBytes),
		config.FormatBytes(ss.MaxBytes),
	)
}
