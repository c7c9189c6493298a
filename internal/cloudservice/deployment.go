package cloudservice

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cuemby/fleetwright/internal/domain"
)

// deploy runs each configured ServiceDeployment against workDir in
// submission order, per §4.7. Files are selected by include/exclude glob
// patterns; an invalid pattern is skipped silently but logged, matching
// the spec's stated behavior rather than aborting the whole deployment.
func (m *Manager) deploy(workDir string, deployments []domain.ServiceDeployment) error {
	if m.templates == nil {
		return nil
	}
	var firstErr error
	for _, d := range deployments {
		for _, pattern := range append(append([]string(nil), d.Includes...), d.Excludes...) {
			if _, err := filepath.Match(pattern, ""); err != nil {
				m.log.Warn().Err(err).Str("template", d.Name).Str("pattern", pattern).Msg("deployment glob pattern skipped")
			}
		}
		files, err := selectFiles(workDir, d)
		if err != nil {
			m.log.Warn().Err(err).Str("template", d.Name).Msg("deployment file selection failed")
			continue
		}
		if err := m.templates.PushBack(context.Background(), d.Prefix, d.Name, workDir, files); err != nil {
			m.log.Warn().Err(err).Str("template", d.Name).Msg("deployment push-back failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// selectFiles walks workDir and returns paths (relative to workDir)
// matching at least one include pattern and no exclude pattern.
func selectFiles(workDir string, d domain.ServiceDeployment) ([]string, error) {
	var matched []string

	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}

		included := false
		for _, pattern := range d.Includes {
			ok, matchErr := globMatch(pattern, rel, d.CaseSensitive)
			if matchErr != nil {
				continue // invalid pattern: skip silently per §4.7
			}
			if ok {
				included = true
				break
			}
		}
		if !included {
			return nil
		}
		for _, pattern := range d.Excludes {
			ok, matchErr := globMatch(pattern, rel, d.CaseSensitive)
			if matchErr == nil && ok {
				included = false
				break
			}
		}
		if included {
			matched = append(matched, rel)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return matched, err
}

// globMatch applies pattern against rel, case-folding both sides first
// when caseSensitive is false.
func globMatch(pattern, rel string, caseSensitive bool) (bool, error) {
	if !caseSensitive {
		pattern = toLower(pattern)
		rel = toLower(rel)
	}
	return filepath.Match(pattern, rel)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
