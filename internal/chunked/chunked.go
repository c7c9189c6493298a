// Package chunked implements chunked binary transfer (C4): fragmenting a
// payload larger than a single frame budget into an ordered sequence of
// chunk packets sent over one or more transport channels, with a receiver
// side that reassembles them into a staging file keyed by session id.
//
// Grounded on pkg/worker/worker.go's container image streaming (reading a
// source in bounded reads and writing sequential writes to a destination
// file) and on the teacher's backpressure idiom of blocking sends rather
// than buffering unboundedly.
package chunked

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cuemby/fleetwright/internal/metrics"
	"github.com/google/uuid"
)

// DefaultChunkSize is the default fragment size, 50 MiB.
const DefaultChunkSize = 50 * 1024 * 1024

// ChunkPacket is one fragment of a chunked transfer.
type ChunkPacket struct {
	SessionID uuid.UUID
	Index     int
	IsLast    bool
	Payload   []byte
}

// Sink receives decoded chunks for one session in order, then Finish.
type Sink interface {
	Write(p ChunkPacket) error
	Finish() error
	Abort(err error)
}

// Splitter emits one ChunkPacket at a time to its destination(s). The
// default implementation below hands each packet to a caller-supplied
// encode function (usually writing to a transport.Conn on channel 1, the
// chunked-transfer channel); the "broadcast to a fixed channel set"
// variant from the spec composes multiple Splitters.
type Splitter interface {
	Send(ctx context.Context, p ChunkPacket) error
}

// WriterSplitter sends chunk packets through a caller-supplied encode
// function, letting the channel framing live with the caller
// (bus/transport) rather than here.
type WriterSplitter struct {
	Encode func(p ChunkPacket) error
}

func (w *WriterSplitter) Send(_ context.Context, p ChunkPacket) error {
	return w.Encode(p)
}

// Send reads src in chunkSize fragments and calls splitter.Send for each,
// blocking between sends so a slow splitter (and therefore a slow
// receiver) naturally throttles the reader instead of buffering the whole
// payload in memory. The session id is generated here; callers that must
// agree on a session id with the receiver before the first byte moves
// (e.g. so the receiver can register its Sink ahead of the transfer) use
// SendWithSession instead.
func Send(ctx context.Context, src io.Reader, chunkSize int, splitter Splitter) (uuid.UUID, error) {
	sessionID := uuid.New()
	return sessionID, SendWithSession(ctx, sessionID, src, chunkSize, splitter)
}

// SendWithSession is Send with a caller-supplied session id, for transfers
// where the receiver needs to open its Sink under a session id it already
// knows (a remote template pull negotiates the id over an RPC before
// asking the owning node to start streaming).
func SendWithSession(ctx context.Context, sessionID uuid.UUID, src io.Reader, chunkSize int, splitter Splitter) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	index := 0

	// Read one chunk ahead so that IsLast can be set on the chunk that
	// precedes end-of-stream rather than requiring a trailing empty
	// packet in the common case.
	buf := make([]byte, chunkSize)
	n, readErr := io.ReadFull(src, buf)
	if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
		metrics.ChunkSessionsTotal.WithLabelValues("read_error").Inc()
		return fmt.Errorf("chunked: read source: %w", readErr)
	}
	pending := append([]byte(nil), buf[:n]...)
	pendingIsFull := n == chunkSize && readErr == nil

	for {
		var next []byte
		var nextErr error
		if pendingIsFull {
			buf2 := make([]byte, chunkSize)
			n2, err2 := io.ReadFull(src, buf2)
			if err2 != nil && err2 != io.EOF && err2 != io.ErrUnexpectedEOF {
				metrics.ChunkSessionsTotal.WithLabelValues("read_error").Inc()
				return fmt.Errorf("chunked: read source: %w", err2)
			}
			next = append([]byte(nil), buf2[:n2]...)
			nextErr = err2
		} else {
			nextErr = io.EOF
		}

		isLast := len(next) == 0
		if err := splitter.Send(ctx, ChunkPacket{SessionID: sessionID, Index: index, IsLast: isLast, Payload: pending}); err != nil {
			metrics.ChunkSessionsTotal.WithLabelValues("send_error").Inc()
			return fmt.Errorf("chunked: send chunk %d: %w", index, err)
		}
		index++
		if isLast {
			metrics.ChunkSessionsTotal.WithLabelValues("sent").Inc()
			return nil
		}

		pending = next
		pendingIsFull = len(next) == chunkSize && nextErr == nil
	}
}

// wireChunkPacket is ChunkPacket's JSON wire form, for callers that
// splitter/deliver chunks as transport frame payloads rather than over a
// caller-owned io.Writer.
type wireChunkPacket struct {
	SessionID uuid.UUID `json:"sessionId"`
	Index     int       `json:"index"`
	IsLast    bool      `json:"isLast"`
	Payload   []byte    `json:"payload"`
}

// EncodeChunkPacket serializes p for transport as a single frame payload.
func EncodeChunkPacket(p ChunkPacket) ([]byte, error) {
	return json.Marshal(wireChunkPacket{SessionID: p.SessionID, Index: p.Index, IsLast: p.IsLast, Payload: p.Payload})
}

// DecodeChunkPacket is the inverse of EncodeChunkPacket.
func DecodeChunkPacket(b []byte) (ChunkPacket, error) {
	var w wireChunkPacket
	if err := json.Unmarshal(b, &w); err != nil {
		return ChunkPacket{}, fmt.Errorf("chunked: decode chunk packet: %w", err)
	}
	return ChunkPacket{SessionID: w.SessionID, Index: w.Index, IsLast: w.IsLast, Payload: w.Payload}, nil
}

// FileSink reassembles chunks into a staging file, failing the session on
// out-of-order indices.
type FileSink struct {
	path     string
	f        *os.File
	nextIdx  int
	onFinish func(path string) error
}

// NewFileSink creates (or truncates) the staging file at path.
func NewFileSink(path string, onFinish func(path string) error) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunked: open staging file: %w", err)
	}
	return &FileSink{path: path, f: f, onFinish: onFinish}, nil
}

// Write appends one chunk, in order.
func (s *FileSink) Write(p ChunkPacket) error {
	if p.Index != s.nextIdx {
		s.Abort(fmt.Errorf("chunked: out of order chunk: got %d want %d", p.Index, s.nextIdx))
		return fmt.Errorf("chunked: out of order chunk index %d, expected %d", p.Index, s.nextIdx)
	}
	if _, err := s.f.Write(p.Payload); err != nil {
		s.Abort(err)
		return fmt.Errorf("chunked: write staging file: %w", err)
	}
	s.nextIdx++
	return nil
}

// Finish closes the staging file and invokes the completion callback.
func (s *FileSink) Finish() error {
	if err := s.f.Close(); err != nil {
		metrics.ChunkSessionsTotal.WithLabelValues("finish_error").Inc()
		return fmt.Errorf("chunked: close staging file: %w", err)
	}
	if s.onFinish != nil {
		if err := s.onFinish(s.path); err != nil {
			metrics.ChunkSessionsTotal.WithLabelValues("finish_error").Inc()
			return err
		}
	}
	metrics.ChunkSessionsTotal.WithLabelValues("received").Inc()
	return nil
}

// Abort closes and removes the staging file on failure.
func (s *FileSink) Abort(err error) {
	s.f.Close()
	os.Remove(s.path)
	metrics.ChunkSessionsTotal.WithLabelValues("aborted").Inc()
}

// Session tracks one in-flight receive, dispatching chunks to a Sink.
type Session struct {
	SessionID uuid.UUID
	Sink      Sink
}

// SessionRegistry maps session ids to their receiving Session, used by C5
// when it opens a ChunkedPacketSessionOpenEvent-equivalent handler.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uuid.UUID]*Session)}
}

// Open registers a new session with the given sink.
func (r *SessionRegistry) Open(sessionID uuid.UUID, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &Session{SessionID: sessionID, Sink: sink}
}

// Handle dispatches one received chunk packet to its session, closing the
// session out on IsLast (success or failure). Sessions arrive over
// per-connection goroutines, so lookups and the final delete are guarded.
func (r *SessionRegistry) Handle(p ChunkPacket) error {
	r.mu.Lock()
	sess, ok := r.sessions[p.SessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("chunked: unknown session %s", p.SessionID)
	}
	if err := sess.Sink.Write(p); err != nil {
		r.mu.Lock()
		delete(r.sessions, p.SessionID)
		r.mu.Unlock()
		return err
	}
	if p.IsLast {
		r.mu.Lock()
		delete(r.sessions, p.SessionID)
		r.mu.Unlock()
		return sess.Sink.Finish()
	}
	return nil
}
