package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"edgegate/internal/isr"
)

const warmupRoundTimeout = 2 * time.Minute

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type warmupResult struct {
	warmed  int
	cached  int
	ignored int
}

func (s *Service) startWarmup() {
	if len(s.cfg.Warmup.Sitemaps) == 0 || !s.cache.Enabled() {
		return
	}
	delay := s.cfg.WarmupInitialDelay()
	every := s.cfg.WarmupEvery()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-s.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
		}

		s.warmupRound()
		if every <= 0 {
			return
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.warmupRound()
			}
		}
	}()
}

func (s *Service) warmupRound() {
	ctx, cancel := context.WithTimeout(context.Background(), warmupRoundTimeout)
	defer cancel()

	if !s.health.Check(ctx) {
		log.Warn("warmup: backend unhealthy, skipping round")
		return
	}
	res, err := s.warmFromSitemaps(ctx, s.cfg.Warmup.Sitemaps)
	fields := log.Fields{"warmed": res.warmed, "cached": res.cached, "ignored": res.ignored}
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("warmup: round aborted")
		return
	}
	log.WithFields(fields).Info("warmup: round done")
}

// warmFromSitemaps walks the sitemaps (following nested indexes) and fetches
// every cacheable page not already cached.
func (s *Service) warmFromSitemaps(ctx context.Context, sitemaps []string) (warmupResult, error) {
	var res warmupResult
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if uri := requestURIFromLoc(sm); uri != "" {
			queue = append(queue, uri)
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-s.stopCh:
			return res, nil
		default:
		}

		smURI := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURI]; ok {
			continue
		}
		seen[smURI] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURI)
		if err != nil {
			return res, errors.Wrapf(err, "sitemap %s", smURI)
		}
		for _, nested := range doc.Sitemaps {
			if uri := requestURIFromLoc(nested); uri != "" {
				queue = append(queue, uri)
			}
		}

		for _, loc := range doc.URLs {
			select {
			case <-s.stopCh:
				return res, nil
			default:
			}
			uri := requestURIFromLoc(loc)
			u, err := url.ParseRequestURI(uri)
			if uri == "" || err != nil || !isr.IsCacheable(u.Path) {
				res.ignored++
				continue
			}
			key := isr.CacheKey(u.EscapedPath(), u.RawQuery)
			if _, ok := s.cache.Get(key); ok {
				res.cached++
				continue
			}
			// A stale-hit refresh may own the key already.
			if !s.cache.StartRefresh(key) {
				res.cached++
				continue
			}
			outcome := s.refreshOnce(ctx, key, uri)
			s.cache.EndRefresh(key)
			if outcome == "ok" {
				res.warmed++
			} else {
				res.ignored++
			}
		}
		log.WithFields(log.Fields{
			"sitemap": smURI,
			"urls":    len(doc.URLs),
			"nested":  len(doc.Sitemaps),
		}).Debug("warmup: sitemap processed")
	}
	return res, nil
}

func (s *Service) fetchSitemap(ctx context.Context, requestURI string) (sitemapDoc, error) {
	resp, err := s.down.Do(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		snippet := resp.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// Some servers send .gz sitemaps with Content-Encoding too, in which case
	// the body may already be plain XML.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gunzip")
		}
		body, err = io.ReadAll(gz)
		_ = gz.Close()
		if err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gunzip")
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap")
	}
	return doc, nil
}

// requestURIFromLoc turns a sitemap <loc> (absolute or relative) into a
// request URI for the backend. The host part is ignored.
func requestURIFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		return u.RequestURI()
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
