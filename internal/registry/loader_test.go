package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDirScansArtifacts(t *testing.T) {
	dir := t.TempDir()
	neff := filepath.Join(dir, "resnet50-b4.neff")
	if err := os.WriteFile(neff, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}
	meta := filepath.Join(dir, "resnet50-b4.json")
	sidecar := `{"inputs":[{"name":"x","dtype":"F32","shape":[4,224],"batch_axis":0}],
"outputs":[{"name":"y","dtype":"F32","shape":[4,1000],"batch_axis":0}]}`
	if err := os.WriteFile(meta, []byte(sidecar), 0644); err != nil {
		t.Fatal(err)
	}
	// Ignored files.
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "orphan.neff"), []byte("y"), 0644)

	arts, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("found %d artifacts, want 2", len(arts))
	}
	byID := map[string]int{}
	for i, a := range arts {
		byID[a.ID] = i
	}
	withMeta := arts[byID["resnet50-b4.neff"]]
	if withMeta.MetaPath == "" {
		t.Errorf("sidecar metadata not discovered for %s", withMeta.ID)
	}
	orphan := arts[byID["orphan.neff"]]
	if orphan.MetaPath != "" {
		t.Errorf("orphan artifact should have no metadata")
	}

	m, err := LoadMeta(withMeta.MetaPath)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if len(m.Inputs) != 1 || m.Inputs[0].Name != "x" || m.Inputs[0].BatchAxis != 0 {
		t.Errorf("meta inputs = %+v", m.Inputs)
	}
}

func TestLoadMetaRejectsEmptySignature(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "empty.json")
	os.WriteFile(p, []byte(`{"inputs":[],"outputs":[]}`), 0644)
	if _, err := LoadMeta(p); err == nil {
		t.Fatal("LoadMeta accepted an empty signature")
	}
}
