package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// RoutingEntry maps an endpoint prefix to the service queue that owns it.
type RoutingEntry struct {
	Prefix     string `json:"prefix"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
}

// RoutingTable resolves endpoints to services by longest-prefix match.
// It is built once at startup and read-only thereafter, so lookups need
// no locking.
type RoutingTable struct {
	entries []RoutingEntry
}

// NewRoutingTable builds a table from the given entries. Entries are
// validated and ordered longest-prefix-first.
func NewRoutingTable(entries []RoutingEntry) (*RoutingTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("routing table cannot be empty")
	}

	seen := make(map[string]bool, len(entries))
	sorted := make([]RoutingEntry, len(entries))
	copy(sorted, entries)

	for _, e := range sorted {
		if e.Prefix == "" || !strings.HasPrefix(e.Prefix, "/") {
			return nil, fmt.Errorf("invalid endpoint prefix %q: must start with /", e.Prefix)
		}
		if e.Queue == "" {
			return nil, fmt.Errorf("routing entry for %s has no queue", e.Prefix)
		}
		if e.RoutingKey == "" {
			return nil, fmt.Errorf("routing entry for %s has no routing key", e.Prefix)
		}
		if seen[e.Prefix] {
			return nil, fmt.Errorf("duplicate endpoint prefix %q", e.Prefix)
		}
		seen[e.Prefix] = true
	}

	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &RoutingTable{entries: sorted}, nil
}

// Resolve returns the entry owning the endpoint, by longest prefix.
func (t *RoutingTable) Resolve(endpoint string) (RoutingEntry, bool) {
	for _, e := range t.entries {
		if matchesPrefix(endpoint, e.Prefix) {
			return e, true
		}
	}
	return RoutingEntry{}, false
}

// Entries returns a copy of the table for introspection.
func (t *RoutingTable) Entries() []RoutingEntry {
	out := make([]RoutingEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// matchesPrefix matches on path-segment boundaries, so /api/vehicle does
// not claim /api/vehicles.
func matchesPrefix(endpoint, prefix string) bool {
	if !strings.HasPrefix(endpoint, prefix) {
		return false
	}
	if len(endpoint) == len(prefix) {
		return true
	}
	return endpoint[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
