package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Any HTTP response counts as reachable.
type Prober struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	target     *Switch
	logger     Logger
}

type ProberOptions struct {
	URL        string
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     Logger
}

func NewProber(target *Switch, opts ProberOptions) *Prober {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Prober{
		url:        strings.TrimSpace(opts.URL),
		interval:   interval,
		httpClient: httpClient,
		target:     target,
		logger:     opts.Logger,
	}
}

func (p *Prober) ProbeOnce(ctx context.Context) bool {
	online := p.reachable(ctx)
	p.target.Set(online)
	return online
}

func (p *Prober) Run(ctx context.Context) error {
	p.ProbeOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

func (p *Prober) reachable(ctx context.Context) bool {
	if p.url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logf("connectivity probe: build request: %v", err)
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

func (p *Prober) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
