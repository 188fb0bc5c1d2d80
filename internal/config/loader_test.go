package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "npud.toml", `
addr = ":9090"
artifacts_dir = "/srv/artifacts"
driver_address = "unix:/run/driver.sock"
core_group_sizes = "2x1,2"
shm_map = "no"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.ArtifactsDir != "/srv/artifacts" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CoreGroupSizes != "2x1,2" || cfg.ShmMap != "no" {
		t.Errorf("runtime options not parsed: %+v", cfg)
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	y := writeFile(t, "npud.yaml", "addr: \":7070\"\nprofile_dir: /tmp/prof\n")
	cfg, err := Load(y)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ProfileDir != "/tmp/prof" {
		t.Errorf("yaml cfg = %+v", cfg)
	}

	j := writeFile(t, "npud.json", `{"addr": ":6060"}`)
	cfg, err = Load(j)
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if cfg.Addr != ":6060" {
		t.Errorf("json cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	p := writeFile(t, "npud.ini", "addr=:1")
	if _, err := Load(p); err == nil {
		t.Fatal("Load accepted an unsupported extension")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted an empty path")
	}
}

func TestApplyEnvOverlays(t *testing.T) {
	t.Setenv("DRIVER_ADDRESS", "unix:/tmp/other.sock")
	t.Setenv("SHM_MAP", "no")
	t.Setenv("CORE_GROUP_SIZES", "")
	t.Setenv("PROFILE_DIR", "")
	cfg := Config{DriverAddress: "unix:/run/driver.sock", CoreGroupSizes: "1,1"}
	cfg.ApplyEnv()
	if cfg.DriverAddress != "unix:/tmp/other.sock" {
		t.Errorf("env must win over file: %+v", cfg)
	}
	if cfg.ShmMap != "no" {
		t.Errorf("SHM_MAP not overlaid: %+v", cfg)
	}
	// File-only values are exported for the runtime to see.
	if os.Getenv("CORE_GROUP_SIZES") != "1,1" {
		t.Errorf("CORE_GROUP_SIZES not exported: %q", os.Getenv("CORE_GROUP_SIZES"))
	}
}
