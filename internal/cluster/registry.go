package cluster

import (
	"net"
	"strings"

	"pylon/internal/models"
)

type discoveryResult int

const (
	discoveryAdded discoveryResult = iota
	discoveryKnown
	discoverySelf
	discoveryRejected
)

// Registry merges configured peers with peers learned through gossip.
// It is owned by the polling loop and is not safe for concurrent use.
type Registry struct {
	self       map[models.PeerKey]struct{}
	configured map[models.PeerKey]struct{}
	discovered []models.PeerDescriptor
	known      map[models.PeerKey]struct{}
	limit      int
}

// NewRegistry creates a registry that never learns any of the self keys.
func NewRegistry(self []models.PeerKey) *Registry {
	r := &Registry{
		self:       make(map[models.PeerKey]struct{}, len(self)),
		configured: make(map[models.PeerKey]struct{}),
		known:      make(map[models.PeerKey]struct{}),
	}
	for _, k := range self {
		r.self[normalizeKey(k)] = struct{}{}
	}
	return r
}

// interfaceAddrs is replaced in tests.
var interfaceAddrs = net.InterfaceAddrs

// SelfKeys lists the addresses this instance answers on at port. Without an
// advertised host, or when bound to a wildcard address, every local interface
// address is included so gossip naming this host by its LAN address is ignored.
func SelfKeys(advertiseHost, bindHost string, port uint16) []models.PeerKey {
	hosts := []string{"127.0.0.1", "::1", "localhost"}
	advertiseHost = strings.TrimSpace(advertiseHost)
	if advertiseHost != "" {
		hosts = append([]string{advertiseHost}, hosts...)
	}
	if advertiseHost == "" || isWildcard(bindHost) {
		hosts = append(hosts, localAddresses()...)
	}

	seen := make(map[string]struct{}, len(hosts))
	keys := make([]models.PeerKey, 0, len(hosts))
	for _, h := range hosts {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		keys = append(keys, models.PeerKey{Host: h, Port: port})
	}
	return keys
}

func isWildcard(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

func localAddresses() []string {
	addrs, err := interfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}

// SetLimit caps the number of discovered peers. Zero means unbounded.
// Peers already learned are kept when the limit shrinks.
func (r *Registry) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	r.limit = limit
}

// SnapshotPollSet returns one descriptor per identity key: configured peers
// in their given order, then discovered peers not shadowed by configuration.
func (r *Registry) SnapshotPollSet(configured []models.PeerDescriptor) []models.PeerDescriptor {
	r.configured = make(map[models.PeerKey]struct{}, len(configured))
	out := make([]models.PeerDescriptor, 0, len(configured)+len(r.discovered))

	for _, peer := range configured {
		key := normalizeKey(peer.Key())
		if _, dup := r.configured[key]; dup {
			continue
		}
		r.configured[key] = struct{}{}
		out = append(out, peer)
	}
	for _, peer := range r.discovered {
		if _, shadowed := r.configured[normalizeKey(peer.Key())]; shadowed {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// RecordDiscovery adds candidate unless it is this instance or already known.
// It reports whether the candidate was added.
func (r *Registry) RecordDiscovery(candidate models.PeerDescriptor) bool {
	return r.record(candidate) == discoveryAdded
}

func (r *Registry) record(candidate models.PeerDescriptor) discoveryResult {
	key := normalizeKey(candidate.Key())
	if _, ok := r.self[key]; ok {
		return discoverySelf
	}
	if _, ok := r.configured[key]; ok {
		return discoveryKnown
	}
	if _, ok := r.known[key]; ok {
		return discoveryKnown
	}
	if r.limit > 0 && len(r.discovered) >= r.limit {
		return discoveryRejected
	}
	r.known[key] = struct{}{}
	r.discovered = append(r.discovered, candidate)
	return discoveryAdded
}

// Discovered returns a copy of the gossip-learned peers in discovery order.
func (r *Registry) Discovered() []models.PeerDescriptor {
	out := make([]models.PeerDescriptor, len(r.discovered))
	copy(out, r.discovered)
	return out
}

// IsConfigured reports whether key was part of the latest configured snapshot.
func (r *Registry) IsConfigured(key models.PeerKey) bool {
	_, ok := r.configured[normalizeKey(key)]
	return ok
}

func normalizeKey(k models.PeerKey) models.PeerKey {
	return k.Normalized()
}
