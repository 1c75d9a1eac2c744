// Package downstream reaches the rendering backend over TCP or a unix socket.
package downstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"edgegate/internal/config"
)

// socketHost is the placeholder authority used for requests dialled over a
// unix socket; the transport ignores it.
const socketHost = "backend"

// Response is a fully buffered backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Client struct {
	base       *url.URL
	healthPath string
	http       *http.Client
}

func New(cfg config.Downstream) (*Client, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeoutDur(),
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	var base *url.URL
	if cfg.Socket != "" {
		socket := cfg.Socket
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		}
		base = &url.URL{Scheme: "http", Host: socketHost}
	} else {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse downstream url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.Errorf("downstream url must be http(s), got %q", cfg.URL)
		}
		base = u
	}

	return &Client{
		base:       base,
		healthPath: cfg.HealthPath,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeoutDur(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects belong to the browser, not to us.
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// URL resolves a request URI (path plus optional query) against the backend.
func (c *Client) URL(requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return strings.TrimRight(c.base.String(), "/") + requestURI
}

// Do sends method to requestURI with the given header set and buffers the
// response. Only GET and HEAD are forwarded.
func (c *Client) Do(ctx context.Context, method, requestURI string, header http.Header) (*Response, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, errors.Errorf("method %s not forwarded", method)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(requestURI), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build downstream request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, requestURI)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", requestURI)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// Ping reports whether the backend answers its health path with a 2xx.
func (c *Client) Ping(ctx context.Context) bool {
	resp, err := c.Do(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		log.WithError(err).Debug("downstream ping failed")
		return false
	}
	return resp.Status >= 200 && resp.Status < 300
}

// WaitReady polls the backend with exponential backoff until it answers, ctx
// ends, or maxElapsed passes.
func (c *Client) WaitReady(ctx context.Context, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		if c.Ping(ctx) {
			return nil
		}
		return errors.Errorf("backend not ready after %d attempts", attempt)
	}
	notify := func(err error, next time.Duration) {
		log.WithField("retry_in", next).Debug(err.Error())
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
