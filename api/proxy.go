package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/retry"
)

// Proxy forwards /proxy/{key}/* to the upstream configured for key. It is
// meant to sit behind the admission middleware, with RequireUpstream in
// front of both.
type Proxy struct {
	upstreams map[string]*httputil.ReverseProxy
}

// ProxyOption configures a Proxy.
type ProxyOption func(*proxyOptions) error

type proxyOptions struct {
	transport http.RoundTripper
}

// WithUpstreamRetry retries idempotent upstream requests (GET and HEAD
// without a body) under cfg. The admission already granted covers every
// attempt. Attempts are not raced against cfg.Timeout, and Retry-After
// hints longer than cfg.MaxDelay are not waited for; that response goes
// back to the client instead.
func WithUpstreamRetry(cfg retry.Config, opts ...retry.Option) ProxyOption {
	return func(o *proxyOptions) error {
		cfg.Timeout = 0
		caller, err := retry.New(cfg, opts...)
		if err != nil {
			return err
		}
		o.transport = &retryTransport{base: o.transport, caller: caller, maxHint: cfg.MaxDelay}
		return nil
	}
}

// NewProxy builds one reverse proxy per upstream base URL.
func NewProxy(upstreams map[string]string, opts ...ProxyOption) (*Proxy, error) {
	o := &proxyOptions{transport: http.DefaultTransport}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	p := &Proxy{upstreams: make(map[string]*httputil.ReverseProxy, len(upstreams))}
	for key, target := range upstreams {
		up, err := url.Parse(target)
		if err != nil || up.Scheme == "" || up.Host == "" {
			return nil, fmt.Errorf("%w: invalid upstream %q for %s", core.ErrInvalidArgument, target, key)
		}

		proxy := httputil.NewSingleHostReverseProxy(up)
		proxy.Transport = o.transport
		origDirector := proxy.Director
		proxy.Director = func(r *http.Request) {
			origDirector(r)
			r.Host = up.Host
			// so the upstream knows the call passed admission
			r.Header.Set("X-Forwarded-By", "quotafence")
		}
		p.upstreams[key] = proxy
	}
	return p, nil
}

// RequireUpstream answers 404 for keys without an upstream, so unknown
// keys never reach admission and never get a bucket.
func (p *Proxy) RequireUpstream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if _, ok := p.upstreams[key]; !ok {
			http.Error(w, "unknown upstream "+key, http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP handles /proxy/{key}/*
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	proxy, ok := p.upstreams[key]
	if !ok {
		http.Error(w, "unknown upstream "+key, http.StatusNotFound)
		return
	}

	// strip "/proxy/{key}" so the upstream sees its own path
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	r2.URL.RawPath = ""
	proxy.ServeHTTP(w, r2)
}

// retryTransport replays idempotent requests whose response status is
// retryable. The last response of an exhausted run is passed through.
type retryTransport struct {
	base    http.RoundTripper
	caller  *retry.Caller
	maxHint time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	idempotent := req.Method == http.MethodGet || req.Method == http.MethodHead
	if !idempotent || (req.Body != nil && req.Body != http.NoBody) {
		return t.base.RoundTrip(req)
	}

	// Attempts use the request's own context: the response body outlives
	// the attempt, so it must not be tied to a per-attempt context.
	var last *http.Response
	err := t.caller.Do(req.Context(), func(_ context.Context) error {
		if last != nil {
			discard(last)
			last = nil
		}

		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err != nil {
			return err
		}
		last = resp

		se := &retry.StatusError{StatusCode: resp.StatusCode}
		if !retry.IsRetryable(se) {
			return nil
		}
		se.RetryAfter, se.HasRetryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if se.HasRetryAfter && se.RetryAfter > t.maxHint {
			return nil
		}
		return se
	})

	if req.Context().Err() != nil {
		if last != nil {
			discard(last)
		}
		return nil, req.Context().Err()
	}
	if last != nil {
		return last, nil
	}
	return nil, err
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
