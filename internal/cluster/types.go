package cluster

import (
	"encoding/json"
	"errors"
	"time"

	"pylon/internal/models"
)

var (
	// ErrConfigUnavailable stops the polling loop when configuration cannot be read.
	ErrConfigUnavailable = errors.New("peer configuration unavailable")
	// ErrUnexpectedStatus marks a peer answering with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected http status")
	// ErrNotJSONObject marks a response body that is not a single JSON object.
	ErrNotJSONObject = errors.New("response is not a json object")
	// ErrBodyTooLarge marks a response exceeding the 4 MiB read limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Outcome is the classified result of polling one peer.
type Outcome struct {
	Reached  bool
	Body     json.RawMessage
	Err      error
	Duration time.Duration
}

// CycleResult summarises one polling cycle.
type CycleResult struct {
	PollSet    int
	Polled     int
	Online     int
	Discovered int
	Cancelled  bool
}

// SelfDescription is the document served on /api/metrics and consumed by
// other pylons when they poll this one.
type SelfDescription struct {
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Location     string                  `json:"location"`
	Version      string                  `json:"version"`
	InstanceID   string                  `json:"instance_id"`
	GeneratedAt  time.Time               `json:"generated_at"`
	Cached       models.CachedInfo       `json:"cached"`
	Polled       models.PolledMetrics    `json:"polled"`
	RemotePylons []models.PeerDescriptor `json:"remote_pylons"`
}
