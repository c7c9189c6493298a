package datasync

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/fleetwright/internal/storage"
)

// BoltHandler is a storage-backed Handler: one bbolt bucket per handler
// key, records keyed by whatever NameOf extracts. It satisfies the
// generic Handler interface so any entity kind (ServiceTask,
// GroupConfiguration, ServiceInfoSnapshot) can be wired in by supplying a
// nameOf function and a bucket/force-apply choice.
type BoltHandler struct {
	key       string
	bucket    string
	store     *storage.Store
	nameOf    func(json.RawMessage) (string, error)
	forceApply bool
}

// NewBoltHandler creates a Handler backed by store, using bucket
// "datasync_<key>".
func NewBoltHandler(key string, store *storage.Store, nameOf func(json.RawMessage) (string, error), forceApply bool) *BoltHandler {
	return &BoltHandler{
		key:        key,
		bucket:     "datasync_" + key,
		store:      store,
		nameOf:     nameOf,
		forceApply: forceApply,
	}
}

func (h *BoltHandler) Key() string { return h.key }

func (h *BoltHandler) AlwaysForceApply() bool { return h.forceApply }

func (h *BoltHandler) Collect() ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := h.store.ForEach(h.bucket, func(_ string, data []byte) error {
		out = append(out, json.RawMessage(append([]byte(nil), data...)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datasync: collect %s: %w", h.key, err)
	}
	return out, nil
}

func (h *BoltHandler) NameOf(record json.RawMessage) (string, error) {
	return h.nameOf(record)
}

func (h *BoltHandler) CurrentOf(name string) (json.RawMessage, bool) {
	data, err := h.store.GetRaw(h.bucket, name)
	if err != nil || data == nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

func (h *BoltHandler) Write(record json.RawMessage) error {
	name, err := h.nameOf(record)
	if err != nil {
		return fmt.Errorf("datasync: write %s: nameOf: %w", h.key, err)
	}
	return h.store.PutRaw(h.bucket, name, record)
}
