package models

import (
	"encoding/json"
	"time"
)

// PeerStatus is the last known health record of a remote pylon.
type PeerStatus struct {
	IP       string          `json:"ip"`
	Port     uint16          `json:"port"`
	Name     string          `json:"name,omitempty"`
	LastSeen *time.Time      `json:"last_seen"`
	Online   bool            `json:"online"`
	Data     json.RawMessage `json:"data"`
}

// Key returns the identity the status is stored under.
func (s PeerStatus) Key() PeerKey {
	return PeerKey{Host: s.IP, Port: s.Port}
}
