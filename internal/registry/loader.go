package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"npud/internal/common/fsutil"
	"npud/pkg/types"
)

// LoadDir scans a directory for *.neff artifacts and builds a registry from
// filenames. ID is the full filename (including extension); Path is the
// absolute file path. A sidecar <name>.json next to the artifact carries
// the signature metadata.
func LoadDir(dir string) ([]types.Artifact, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var artifacts []types.Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".neff") {
			continue
		}
		p := filepath.Join(abs, name)
		meta := strings.TrimSuffix(p, filepath.Ext(p)) + ".json"
		if !fsutil.PathExists(meta) {
			meta = ""
		}
		artifacts = append(artifacts, types.Artifact{ID: name, Name: name, Path: p, MetaPath: meta})
	}
	return artifacts, nil
}

// LoadMeta parses the sidecar signature file of one artifact.
func LoadMeta(path string) (types.ArtifactMeta, error) {
	var meta types.ArtifactMeta
	b, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("parse artifact meta %s: %w", path, err)
	}
	if len(meta.Inputs) == 0 || len(meta.Outputs) == 0 {
		return meta, fmt.Errorf("artifact meta %s has no inputs or outputs", path)
	}
	return meta, nil
}
