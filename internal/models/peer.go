package models

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
)

// PeerKey identifies a pylon by the address it is polled on.
type PeerKey struct {
	Host string
	Port uint16
}

// String renders the key as host:port.
func (k PeerKey) String() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

// Normalized returns the key with the host trimmed and lowercased, the form
// used for identity comparisons.
func (k PeerKey) Normalized() PeerKey {
	return PeerKey{Host: strings.ToLower(strings.TrimSpace(k.Host)), Port: k.Port}
}

// PeerDescriptor carries identity and credentials for a remote pylon.
type PeerDescriptor struct {
	Host        string `yaml:"ip" json:"ip"`
	Port        uint16 `yaml:"port" json:"port"`
	Token       string `yaml:"token" json:"token"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Key returns the identity of the peer. Token and name are not part of it.
func (p PeerDescriptor) Key() PeerKey {
	return PeerKey{Host: p.Host, Port: p.Port}
}

// UnmarshalJSON accepts both "ip" and "host" for the address so that peers
// running other versions can still be discovered.
func (p *PeerDescriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		IP          string `json:"ip"`
		Host        string `json:"host"`
		Port        uint16 `json:"port"`
		Token       string `json:"token"`
		Name        string `json:"name"`
		Location    string `json:"location"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	host := raw.IP
	if host == "" {
		host = raw.Host
	}
	*p = PeerDescriptor{
		Host:        host,
		Port:        raw.Port,
		Token:       raw.Token,
		Name:        raw.Name,
		Location:    raw.Location,
		Description: raw.Description,
	}
	return nil
}

// PublicPeer is a descriptor stripped of its credential, used for diagnostics.
type PublicPeer struct {
	Host        string `json:"ip"`
	Port        uint16 `json:"port"`
	Name        string `json:"name,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}
