package chunked

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type collectingSplitter struct {
	packets []ChunkPacket
}

func (c *collectingSplitter) Send(_ context.Context, p ChunkPacket) error {
	c.packets = append(c.packets, p)
	return nil
}

func TestSendExactMultipleOfChunkSize(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	splitter := &collectingSplitter{}
	_, err := Send(context.Background(), bytes.NewReader(data), 50, splitter)
	require.NoError(t, err)
	require.Len(t, splitter.packets, 2)
	require.False(t, splitter.packets[0].IsLast)
	require.True(t, splitter.packets[1].IsLast)
}

func TestSendPartialLastChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 120)
	splitter := &collectingSplitter{}
	_, err := Send(context.Background(), bytes.NewReader(data), 50, splitter)
	require.NoError(t, err)
	require.Len(t, splitter.packets, 3)
	require.Equal(t, 50, len(splitter.packets[0].Payload))
	require.Equal(t, 50, len(splitter.packets[1].Payload))
	require.Equal(t, 20, len(splitter.packets[2].Payload))
	require.True(t, splitter.packets[2].IsLast)
}

func TestSendEmptySource(t *testing.T) {
	splitter := &collectingSplitter{}
	_, err := Send(context.Background(), bytes.NewReader(nil), 50, splitter)
	require.NoError(t, err)
	require.Len(t, splitter.packets, 1)
	require.True(t, splitter.packets[0].IsLast)
}

func TestFileSinkReassemblesBytewiseIdentical(t *testing.T) {
	data := bytes.Repeat([]byte{0xEF}, 120)
	splitter := &collectingSplitter{}
	_, err := Send(context.Background(), bytes.NewReader(data), 50, splitter)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "reassembled.bin")
	finished := false
	sink, err := NewFileSink(dest, func(path string) error {
		finished = true
		return nil
	})
	require.NoError(t, err)

	for _, p := range splitter.packets {
		require.NoError(t, sink.Write(p))
		if p.IsLast {
			require.NoError(t, sink.Finish())
		}
	}
	require.True(t, finished)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFileSinkRejectsOutOfOrder(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bad.bin")
	sink, err := NewFileSink(dest, nil)
	require.NoError(t, err)

	err = sink.Write(ChunkPacket{Index: 1, Payload: []byte("x")})
	require.Error(t, err)
}

func TestSessionRegistryDispatch(t *testing.T) {
	reg := NewSessionRegistry()
	dest := filepath.Join(t.TempDir(), "session.bin")
	sink, err := NewFileSink(dest, nil)
	require.NoError(t, err)

	sessionID := uuid.UUID{1}
	reg.Open(sessionID, sink)

	require.NoError(t, reg.Handle(ChunkPacket{SessionID: sessionID, Index: 0, Payload: []byte("a")}))
	require.NoError(t, reg.Handle(ChunkPacket{SessionID: sessionID, Index: 1, IsLast: true, Payload: []byte("b")}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got)
}
