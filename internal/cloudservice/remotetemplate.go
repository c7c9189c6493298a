package cloudservice

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetwright/internal/bus"
	"github.com/cuemby/fleetwright/internal/chunked"
	"github.com/cuemby/fleetwright/internal/cluster"
	"github.com/cuemby/fleetwright/internal/domain"
	"github.com/cuemby/fleetwright/internal/transport"
)

const (
	rpcChannelTemplateLocate = "fleetwright.cloudservice.template.locate"
	rpcChannelTemplatePull   = "fleetwright.cloudservice.template.pull"
)

// ClusterTemplateStorage answers Materialize from local disk when the
// named template already lives under Root, and otherwise pulls it from
// whichever READY peer has it, over the chunked transfer channel (C4) —
// the "request a template from a peer" path §4.6 exists for. PushBack
// still writes to this node's own template tree; deployments run on the
// node that hosts the service and are expected to push back to storage
// that node already has materialized.
type ClusterTemplateStorage struct {
	local     *LocalTemplateStorage
	bus       *bus.Bus
	cluster   *cluster.Provider
	sessions  *chunked.SessionRegistry
	log       zerolog.Logger
	stagingDir string
}

// NewClusterTemplateStorage wires local as the on-disk backing store and
// registers the locate/pull RPCs used to serve other nodes' requests for
// templates this node holds.
func NewClusterTemplateStorage(local *LocalTemplateStorage, b *bus.Bus, cl *cluster.Provider, sessions *chunked.SessionRegistry, log zerolog.Logger) *ClusterTemplateStorage {
	c := &ClusterTemplateStorage{
		local:      local,
		bus:        b,
		cluster:    cl,
		sessions:   sessions,
		log:        log,
		stagingDir: filepath.Join(os.TempDir(), "fleetwright-template-staging"),
	}

	b.RegisterRPC(rpcChannelTemplateLocate, func(req json.RawMessage) (any, error) {
		var l locateRequest
		if err := json.Unmarshal(req, &l); err != nil {
			return nil, err
		}
		_, err := os.Stat(filepath.Join(c.local.Root, l.Prefix, l.Name))
		return locateResponse{Has: err == nil}, nil
	})

	b.RegisterRPC(rpcChannelTemplatePull, func(req json.RawMessage) (any, error) {
		var p pullRequest
		if err := json.Unmarshal(req, &p); err != nil {
			return nil, err
		}
		srcDir := filepath.Join(c.local.Root, p.Prefix, p.Name)
		if _, err := os.Stat(srcDir); err != nil {
			return pullResponse{Started: false, Reason: "template not present locally"}, nil
		}
		peer, ok := c.cluster.Peer(p.RequesterNode.String())
		if !ok {
			return pullResponse{Started: false, Reason: "requester unreachable"}, nil
		}
		go c.push(context.Background(), peer, p.SessionID, srcDir)
		return pullResponse{Started: true}, nil
	})

	return c
}

type locateRequest struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
}

type locateResponse struct {
	Has bool `json:"has"`
}

type pullRequest struct {
	SessionID     uuid.UUID `json:"sessionId"`
	Prefix        string    `json:"prefix"`
	Name          string    `json:"name"`
	RequesterNode uuid.UUID `json:"requesterNode"`
}

type pullResponse struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

// Materialize implements TemplateStorage.
func (c *ClusterTemplateStorage) Materialize(ctx context.Context, prefix, name, destDir string) error {
	srcDir := filepath.Join(c.local.Root, prefix, name)
	if _, err := os.Stat(srcDir); err == nil {
		return c.local.Materialize(ctx, prefix, name, destDir)
	} else if !os.IsNotExist(err) {
		return err
	}

	owner, ok := c.locateOwner(ctx, prefix, name)
	if !ok {
		// Nobody in the cluster has it either; fall through to the local
		// path, which treats a missing template dir as "nothing
		// configured yet" rather than an error.
		return c.local.Materialize(ctx, prefix, name, destDir)
	}
	return c.pull(ctx, owner, prefix, name, destDir)
}

// PushBack implements TemplateStorage by delegating to local storage.
func (c *ClusterTemplateStorage) PushBack(ctx context.Context, prefix, name, srcDir string, files []string) error {
	return c.local.PushBack(ctx, prefix, name, srcDir, files)
}

func (c *ClusterTemplateStorage) locateOwner(ctx context.Context, prefix, name string) (uuid.UUID, bool) {
	for _, ns := range c.cluster.NodeServers() {
		if ns.State != domain.NodeReady || ns.Drain {
			continue
		}
		target := domain.Target{Kind: domain.TargetNode, Name: ns.Identity.UniqueID.String()}
		resp, err := bus.CallRPC[locateRequest, locateResponse](ctx, c.bus, target, rpcChannelTemplateLocate, locateRequest{Prefix: prefix, Name: name}, 5*time.Second)
		if err != nil {
			continue
		}
		if resp.Has {
			return ns.Identity.UniqueID, true
		}
	}
	return uuid.UUID{}, false
}

func (c *ClusterTemplateStorage) pull(ctx context.Context, owner uuid.UUID, prefix, name, destDir string) error {
	if err := os.MkdirAll(c.stagingDir, 0o755); err != nil {
		return fmt.Errorf("cloudservice: create staging dir: %w", err)
	}
	sessionID := uuid.New()
	stagingPath := filepath.Join(c.stagingDir, sessionID.String()+".tar.gz")

	done := make(chan error, 1)
	sink, err := chunked.NewFileSink(stagingPath, func(path string) error {
		defer os.Remove(path)
		return extractTarGz(path, destDir)
	})
	if err != nil {
		return err
	}
	c.sessions.Open(sessionID, &notifyingSink{Sink: sink, done: done})

	target := domain.Target{Kind: domain.TargetNode, Name: owner.String()}
	req := pullRequest{SessionID: sessionID, Prefix: prefix, Name: name, RequesterNode: c.cluster.LocalIdentity().UniqueID}
	resp, err := bus.CallRPC[pullRequest, pullResponse](ctx, c.bus, target, rpcChannelTemplatePull, req, 5*time.Second)
	if err != nil {
		return fmt.Errorf("cloudservice: request template pull from %s: %w", owner, err)
	}
	if !resp.Started {
		return fmt.Errorf("cloudservice: peer %s declined template pull: %s", owner, resp.Reason)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("cloudservice: template pull from %s timed out", owner)
	}
}

// push streams srcDir as a tar.gz to peer over the chunked transfer
// channel under sessionID, which the requester already opened a Sink for.
func (c *ClusterTemplateStorage) push(ctx context.Context, peer bus.Peer, sessionID uuid.UUID, srcDir string) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarGz(srcDir, pw))
	}()
	if err := chunked.SendWithSession(ctx, sessionID, pr, chunked.DefaultChunkSize, &peerSplitter{peer: peer}); err != nil {
		c.log.Warn().Err(err).Str("session", sessionID.String()).Msg("template push failed")
	}
}

// peerSplitter adapts a bus.Peer's frame-based Send to chunked.Splitter,
// carrying chunk packets over transport.ChannelChunkedTransfer instead of
// the bus's ChannelMessage envelope.
type peerSplitter struct {
	peer bus.Peer
}

func (s *peerSplitter) Send(_ context.Context, p chunked.ChunkPacket) error {
	payload, err := chunked.EncodeChunkPacket(p)
	if err != nil {
		return err
	}
	return s.peer.Send(transport.Frame{ChannelID: transport.ChannelChunkedTransfer, Payload: payload})
}

// notifyingSink wraps a chunked.Sink to signal completion (success or
// failure) back to the Materialize caller blocked waiting on it.
type notifyingSink struct {
	chunked.Sink
	done chan error
	once sync.Once
}

func (n *notifyingSink) Finish() error {
	err := n.Sink.Finish()
	n.once.Do(func() { n.done <- err })
	return err
}

func (n *notifyingSink) Abort(err error) {
	n.Sink.Abort(err)
	n.once.Do(func() { n.done <- err })
}

func writeTarGz(srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func extractTarGz(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	cleanDest := filepath.Clean(destDir)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, hdr.Name)
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return fmt.Errorf("cloudservice: tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
