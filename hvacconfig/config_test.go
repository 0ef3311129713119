package hvacconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	hvac "github.com/Garson-hu/MT-HVAC"
)

func TestClientFromEnv(t *testing.T) {
	t.Setenv(EnvServerCount, "4")
	t.Setenv(EnvDataDir, "/lustre/data")
	t.Setenv(EnvJobID, "12345")

	c, err := ClientFromEnv()
	if err != nil {
		t.Fatalf("ClientFromEnv: %v", err)
	}

	if c.ServerCount != 4 {
		t.Errorf("ServerCount = %d, want 4", c.ServerCount)
	}
	if c.DataDir != "/lustre/data" {
		t.Errorf("DataDir = %q, want /lustre/data", c.DataDir)
	}
	if got, want := c.RendezvousPath(), "./.ports.cfg.12345"; got != want {
		t.Errorf("RendezvousPath() = %q, want %q", got, want)
	}
}

func TestClientFromEnvMissingCount(t *testing.T) {
	os.Unsetenv(EnvServerCount)

	_, err := ClientFromEnv()
	if !errors.Is(err, hvac.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestClientFromEnvBadCount(t *testing.T) {
	for _, bad := range []string{"0", "-2", "many"} {
		t.Setenv(EnvServerCount, bad)
		if _, err := ClientFromEnv(); !errors.Is(err, hvac.ErrConfig) {
			t.Errorf("count %q: err = %v, want ErrConfig", bad, err)
		}
	}
}

func TestServerFromEnv(t *testing.T) {
	t.Setenv(EnvProcID, "3")
	t.Setenv(EnvJobID, "777")
	os.Unsetenv(EnvCacheDir)

	c, err := ServerFromEnv()
	if err != nil {
		t.Fatalf("ServerFromEnv: %v", err)
	}

	if c.ProcID != 3 {
		t.Errorf("ProcID = %d, want 3", c.ProcID)
	}
	if got, want := c.CacheDir, "/tmp/hvac_cache.777"; got != want {
		t.Errorf("CacheDir = %q, want %q", got, want)
	}
}

func TestServerFromEnvMissingRank(t *testing.T) {
	os.Unsetenv(EnvProcID)

	if _, err := ServerFromEnv(); !errors.Is(err, hvac.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hvacrc.toml")

	contents := "cache_dir = \"/scratch/cache\"\nbind_addr = \"0.0.0.0:7700\"\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if fc.CacheDir != "/scratch/cache" {
		t.Errorf("CacheDir = %q, want /scratch/cache", fc.CacheDir)
	}
	if fc.BindAddr != "0.0.0.0:7700" {
		t.Errorf("BindAddr = %q, want 0.0.0.0:7700", fc.BindAddr)
	}

	c := Config{CacheDir: "/tmp/hvac_cache.1"}
	fc.Apply(&c)
	if c.CacheDir != "/scratch/cache" {
		t.Errorf("Apply left CacheDir = %q", c.CacheDir)
	}
}

func TestLoadFileMissing(t *testing.T) {
	fc, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if fc != (FileConfig{}) {
		t.Errorf("missing file yielded %+v", fc)
	}
}
