package cloudservice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cuemby/fleetwright/internal/domain"
)

// TemplateStorage materializes a named template into a destination
// directory. Serialization/transport of the template bytes themselves is
// treated as opaque per the out-of-scope embedded-storage boundary; this
// interface is the seam a concrete file/S3/Mongo-backed adapter plugs
// into via C1.
type TemplateStorage interface {
	Materialize(ctx context.Context, prefix, name, destDir string) error
	// PushBack uploads the files under srcDir matching the deployment's
	// glob selection back into the named template.
	PushBack(ctx context.Context, prefix, name, srcDir string, files []string) error
}

// LocalTemplateStorage is the default TemplateStorage, copying between
// directories on the local filesystem — a stand-in for the out-of-scope
// pluggable document-store adapters, sufficient to exercise §4.7's
// staging/deployment contract end to end.
type LocalTemplateStorage struct {
	Root string // base directory holding "<prefix>/<name>" template trees
}

func (l *LocalTemplateStorage) Materialize(ctx context.Context, prefix, name, destDir string) error {
	src := filepath.Join(l.Root, prefix, name)
	return copyTree(src, destDir)
}

func (l *LocalTemplateStorage) PushBack(ctx context.Context, prefix, name, srcDir string, files []string) error {
	dest := filepath.Join(l.Root, prefix, name)
	for _, rel := range files {
		if err := copyFile(filepath.Join(srcDir, rel), filepath.Join(dest, rel)); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil // nothing configured for this template yet
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest)
	}
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// stage runs the three staging phases from §4.7 against workDir. All
// three are idempotent and may be retried on failure; each phase's
// failure is reported to the caller so it can be recorded on the
// snapshot without advancing the lifecycle past STOPPED.
func (m *Manager) stage(ctx context.Context, svc *service, workDir string) error {
	svc.mu.Lock()
	cfg := svc.config
	svc.mu.Unlock()

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("cloudservice: create work dir: %w", err)
	}

	for _, tmpl := range cfg.Templates {
		if m.templates == nil {
			continue
		}
		if err := m.templates.Materialize(ctx, tmpl.Prefix, tmpl.Name, workDir); err != nil {
			return fmt.Errorf("cloudservice: materialize template %s/%s: %w", tmpl.Prefix, tmpl.Name, err)
		}
	}

	for _, inc := range cfg.Inclusions {
		if err := fetchInclusion(ctx, inc, workDir); err != nil {
			return fmt.Errorf("cloudservice: fetch inclusion %s: %w", inc.URL, err)
		}
	}

	// Phase 3 (record the deployment spec for later "deploy on stop") is
	// implicit: cfg.Deployments already lives on the service's stored
	// configuration and is read directly by Stop/deploy.
	return nil
}

func fetchInclusion(ctx context.Context, inc domain.ServiceRemoteInclusion, workDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inc.URL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dest := filepath.Join(workDir, inc.Dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}
