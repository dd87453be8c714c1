package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"pylon/internal/models"
)

const (
	// MetricsPath is the endpoint every pylon serves its self-description on.
	MetricsPath = "/api/metrics"

	defaultPollTimeout = 5 * time.Second
	maxBodyBytes       = 4 << 20
)

// Poller issues a single bounded request to a peer and classifies the result.
type Poller struct {
	client  *http.Client
	timeout time.Duration
	scheme  string
}

// NewPoller creates a poller with the given per-request timeout.
func NewPoller(timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Poller{
		client:  &http.Client{Transport: transport},
		timeout: timeout,
		scheme:  "http",
	}
}

// SetTimeout changes the per-request timeout for subsequent polls.
func (p *Poller) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		p.timeout = timeout
	}
}

// Poll requests the peer's metrics document. It never retries.
func (p *Poller) Poll(ctx context.Context, peer models.PeerDescriptor) Outcome {
	start := time.Now()
	body, err := p.fetch(ctx, peer)
	outcome := Outcome{Duration: time.Since(start)}
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Reached = true
	outcome.Body = body
	return outcome
}

func (p *Poller) fetch(ctx context.Context, peer models.PeerDescriptor) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := fmt.Sprintf("%s://%s%s", p.scheme, peer.Key().String(), MetricsPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if peer.Token != "" {
		req.Header.Set("Authorization", "Bearer "+peer.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, ErrNotJSONObject
	}
	return json.RawMessage(data), nil
}
