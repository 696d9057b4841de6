// Package connectivity answers whether the remote side is reachable.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"offline-sync-service/internal/config"
)

// Oracle reports reachability of the remote source of truth.
type Oracle interface {
	IsOnline(ctx context.Context) bool
}

// Static is an Oracle whose answer is set by hand.
type Static struct {
	online atomic.Bool
}

func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) IsOnline(context.Context) bool {
	return s.online.Load()
}

func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// HTTPProbe is online when a GET to URL answers below 500 within Timeout.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{URL: url, Timeout: timeout, Client: &http.Client{}}
}

func (p *HTTPProbe) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// New builds the oracle selected by cfg.
func New(cfg config.ConnectivityConfig) (Oracle, error) {
	switch cfg.Mode {
	case "", "static":
		return NewStatic(cfg.InitialOnline), nil
	case "http":
		if cfg.ProbeURL == "" {
			return nil, fmt.Errorf("connectivity mode http requires probe_url")
		}
		return NewHTTPProbe(cfg.ProbeURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown connectivity mode %q", cfg.Mode)
	}
}
