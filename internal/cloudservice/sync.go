package cloudservice

import (
	"encoding/json"

	"github.com/cuemby/fleetwright/internal/datasync"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/storage"
)

// serviceSnapshotHandlerKey is the datasync handler key ServiceInfoSnapshot
// records propagate under, per §4.4/§4.7: "state delta flows through C7 to
// all nodes".
const serviceSnapshotHandlerKey = "service_info_snapshot"

func mustMarshalSnapshot(snap domain.ServiceInfoSnapshot) json.RawMessage {
	data, err := json.Marshal(snap)
	if err != nil {
		// snap's fields are all plain JSON-marshalable value types; a
		// marshal failure here means a field type is broken, not a
		// runtime condition callers can recover from.
		panic("cloudservice: marshal ServiceInfoSnapshot: " + err.Error())
	}
	return data
}

func snapshotNameOf(record json.RawMessage) (string, error) {
	var snap domain.ServiceInfoSnapshot
	if err := json.Unmarshal(record, &snap); err != nil {
		return "", err
	}
	return snap.ServiceID.UniqueID.String(), nil
}

// RegisterSyncHandler wires ServiceInfoSnapshot into the data sync
// registry: always-force-apply, since the freshest snapshot wins per
// §4.4's "append-only-feel state" guidance.
func RegisterSyncHandler(reg *datasync.Registry, store *storage.Store) *datasync.BoltHandler {
	h := datasync.NewBoltHandler(serviceSnapshotHandlerKey, store, snapshotNameOf, true)
	reg.RegisterHandler(h)
	return h
}
