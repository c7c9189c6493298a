package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/fleetwright/internal/domain"
)

// RPCHandler decodes a request, does work, and returns a response to
// encode back. Supplemented from
// original_source/driver/api/.../rpc/introspec/RPCMethodMetadata.java:
// CloudNet's RPC layer reflects over method metadata to dispatch typed
// calls across a channel; this is the Go equivalent without reflection,
// the caller supplies the decode/encode glue directly since Go generics
// make that cheap and type-safe.
type RPCHandler func(req json.RawMessage) (any, error)

// RegisterRPC subscribes an RPC handler on channel. The wire format is a
// plain ChannelMessage whose Content is the JSON-encoded request; the
// reply Content is the JSON-encoded response or an error message.
func (b *Bus) RegisterRPC(channel string, handler RPCHandler) {
	b.Subscribe(channel, "", func(msg domain.ChannelMessage) []byte {
		resp, err := handler(msg.Content)
		if err != nil {
			errPayload, _ := json.Marshal(rpcError{Error: err.Error()})
			return errPayload
		}
		payload, encErr := json.Marshal(resp)
		if encErr != nil {
			errPayload, _ := json.Marshal(rpcError{Error: encErr.Error()})
			return errPayload
		}
		return payload
	})
}

type rpcError struct {
	Error string `json:"error"`
}

// CallRPC performs a single-target RPC: marshal req, send a query to
// target's channel, and unmarshal the first reply into resp.
func CallRPC[Req any, Resp any](ctx context.Context, b *Bus, target domain.Target, channel string, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	payload, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("bus: marshal RPC request: %w", err)
	}

	msg := domain.ChannelMessage{
		Targets: []domain.Target{target},
		Channel: channel,
		Content: payload,
	}
	reply, err := b.QuerySingle(ctx, msg, timeout)
	if err != nil {
		return zero, err
	}
	if reply == nil {
		return zero, fmt.Errorf("bus: rpc %q to %s timed out", channel, target.Name)
	}

	var rpcErr rpcError
	if err := json.Unmarshal(reply.Content, &rpcErr); err == nil && rpcErr.Error != "" {
		return zero, fmt.Errorf("bus: rpc %q failed: %s", channel, rpcErr.Error)
	}

	var resp Resp
	if err := json.Unmarshal(reply.Content, &resp); err != nil {
		return zero, fmt.Errorf("bus: unmarshal RPC response: %w", err)
	}
	return resp, nil
}
