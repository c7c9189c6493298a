// Package datasync implements the data sync registry (C7): per-entity
// push/pull reconciliation with a full snapshot sent to a peer transitioning
// out of DISCONNECTED. Changes made afterwards are applied locally through
// ApplyRecord; this package does not send them to peers.
//
// Grounded on pkg/manager/fsm.go's Command{Op,Data} dispatch-by-string-key
// and its WarrenSnapshot/Restore pair: the Op string becomes a
// DataSyncHandler's key, Apply's switch becomes this registry's handler
// map lookup, and Snapshot/Restore become PrepareClusterData/ApplySnapshot
// (which applies each record through ApplyRecord) below — generalized from raft-log-driven application (one log, one
// linearizable history) to channel-message-driven application (no log,
// last-write-wins per record), per §4.4's eventually-consistent model.
package datasync

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is the erased descriptor of one replicated entity kind. T is
// kept as json.RawMessage at this layer — the registry does not need to
// know the concrete Go type, only how to ask the handler to interpret
// bytes.
type Handler interface {
	// Key uniquely identifies this entity kind. It keys the registry's
	// handler map, the Snapshot, and ApplyRecord's handlerKey; no channel
	// message carries it.
	Key() string
	// Collect enumerates every locally known record, serialized.
	Collect() ([]json.RawMessage, error)
	// NameOf extracts the identity key a record is compared and written
	// under from its serialized form.
	NameOf(record json.RawMessage) (string, error)
	// CurrentOf returns the serialized local record matching the same
	// name as the incoming candidate, or (nil, false) if none exists yet.
	CurrentOf(name string) (json.RawMessage, bool)
	// Write upserts one record locally.
	Write(record json.RawMessage) error
	// AlwaysForceApply reports whether conflicts always resolve to the
	// incoming record rather than consulting a resolver.
	AlwaysForceApply() bool
}

// Resolver decides, for a conflicting pair, whether the incoming record
// should overwrite the local one. It is not consulted for handlers with
// AlwaysForceApply() == true.
type Resolver func(handlerKey string, local, incoming json.RawMessage) bool

// Registry holds every registered Handler and drives the reconnect
// snapshot and incremental-apply paths.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resolver Resolver
}

// NewRegistry creates a Registry. resolver is used only for handlers that
// are not AlwaysForceApply; a nil resolver causes such conflicts to keep
// the local record (the conservative default).
func NewRegistry(resolver Resolver) *Registry {
	if resolver == nil {
		resolver = func(string, json.RawMessage, json.RawMessage) bool { return false }
	}
	return &Registry{handlers: make(map[string]Handler), resolver: resolver}
}

// RegisterHandler adds h, keyed by h.Key(). Re-registering the same key
// replaces the previous handler.
func (r *Registry) RegisterHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Key()] = h
}

// Snapshot is the wire form of a full cluster-data push: one entry per
// registered handler, each carrying every record of that kind.
type Snapshot struct {
	Entries map[string][]json.RawMessage `json:"entries"`
}

// PrepareClusterData builds the full-snapshot payload sent to a peer
// transitioning out of DISCONNECTED, per §4.4.
func (r *Registry) PrepareClusterData() (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{Entries: make(map[string][]json.RawMessage, len(r.handlers))}
	for key, h := range r.handlers {
		records, err := h.Collect()
		if err != nil {
			return Snapshot{}, fmt.Errorf("datasync: collect %q: %w", key, err)
		}
		snap.Entries[key] = records
	}
	return snap, nil
}

// ApplySnapshot applies every record in snap through the normal
// conflict-resolution path, used when a node receives the authoritative
// snapshot on reconnect.
func (r *Registry) ApplySnapshot(snap Snapshot) error {
	for key, records := range snap.Entries {
		for _, rec := range records {
			if err := r.ApplyRecord(key, rec); err != nil {
				return fmt.Errorf("datasync: apply %q record: %w", key, err)
			}
		}
	}
	return nil
}

// ApplyRecord is the incremental-propagation entry point: one record for
// one handler key, arriving as an ordinary channel message after the
// initial sync. It implements the resolution rule from §4.4: write if no
// local match, else write iff AlwaysForceApply or the resolver picks the
// incoming record.
func (r *Registry) ApplyRecord(handlerKey string, record json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[handlerKey]
	resolver := r.resolver
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("datasync: no handler registered for %q", handlerKey)
	}

	name, err := h.NameOf(record)
	if err != nil {
		return fmt.Errorf("datasync: nameOf: %w", err)
	}

	current, exists := h.CurrentOf(name)
	if !exists {
		return h.Write(record)
	}
	if h.AlwaysForceApply() || resolver(handlerKey, current, record) {
		return h.Write(record)
	}
	return nil
}

// Keys returns every registered handler key, mostly for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
