// Package dht describes the two operations the data-plane engine needs from
// a Kademlia lookup service: resolving a partition name to an endpoint plus
// relay list, and querying for storage-provider candidates at
// volume-creation time. The DHT itself, its routing table, and its wire
// protocol are external collaborators this module depends on but does not
// implement; this package only pins down the request/response shapes the
// core depends on, grounded on HostInfo's wire format
// (original_source/src/bdfs-lib/HostInfo.cpp) and supplemented by the
// Kademlia-style key/value store found elsewhere in the reference corpus
// (orbas1-Synnergy's core/kademlia.go) for the query-by-predicate shape.
package dht

import "context"

// Endpoint is one network address a relay can be reached at.
type Endpoint struct {
	Host     string `json:"host"`
	SocksPort uint16 `json:"socksPort"`
	QuicPort  uint16 `json:"quicPort"`
}

// Relay is a named fallback path to a provider, carrying one or more
// endpoints tried in order.
type Relay struct {
	Name      string     `json:"name"`
	Endpoints []Endpoint `json:"endpoints"`
}

// HostInfo is the decoded value stored under "ep:<partition-name>". URL is
// the direct HTTP endpoint; Relays are tried, in order, only after a direct
// attempt fails with a connectivity-class error.
type HostInfo struct {
	URL    string  `json:"url"`
	Relays []Relay `json:"relays"`
}

// ProviderCandidate is one entry of a CreatePartitions query response, e.g.
// for the predicate `type:"storage" availableSize:N`.
type ProviderCandidate struct {
	Name          string `json:"name"`
	Contract      string `json:"contract"`
	AvailableSize uint64 `json:"availableSize"`
	Reputation    int    `json:"reputation"`
}

// Lookup is the narrow capability the core consumes from the Kademlia
// service: resolving an already-known partition's endpoint, and querying for
// new provider candidates by a predicate expression. Implementations live
// outside this module's scope; the core only depends on this interface.
type Lookup interface {
	// GetValue resolves a previously stored key (e.g. "ep:"+partitionName)
	// to its raw JSON value, or returns an error if the key is absent.
	GetValue(ctx context.Context, key string) ([]byte, error)

	// Query runs a predicate expression (e.g. `type:"storage"
	// availableSize:1073741824`) against the DHT and returns up to limit
	// matches.
	Query(ctx context.Context, expr string, limit int) ([]ProviderCandidate, error)
}
