package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/flashd/internal/flash"
	"github.com/danmuck/flashd/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flashd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScratchMB != 16 || cfg.TCPPort != 1234 || cfg.TCPBacklog != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StagingPath != "/cache/fastboot.download" {
		t.Fatalf("unexpected staging path: %q", cfg.StagingPath)
	}
	codecs, err := cfg.Codecs()
	if err != nil {
		t.Fatalf("codecs: %v", err)
	}
	if codecs["system"] != flash.CodecGzip {
		t.Fatalf("system should inflate gzip, got %q", codecs["system"])
	}
}

func TestLoadOverlaysOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
scratch_mb = 4
tcp_port = -1
retry_initial = "100ms"
auto_partition = true

[variables]
serialno = "abc123"

[decompress]
boot = "lz4"

[[installer.media]]
device = "/dev/sdb1"
fs_type = "vfat"

[metrics]
addr = "127.0.0.1:9400"
token = " t0k "
cors_origins = [" http://localhost:3000 ", ""]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ScratchMB != 4 || cfg.ScratchBytes() != 4<<20 {
		t.Fatalf("scratch not applied: %d", cfg.ScratchMB)
	}
	if cfg.TCPPort != -1 {
		t.Fatalf("tcp port not applied: %d", cfg.TCPPort)
	}
	if cfg.DevicePath != "/dev/android_adb" {
		t.Fatalf("device path should keep default, got %q", cfg.DevicePath)
	}
	if cfg.RetryInitial != 100*time.Millisecond || cfg.RetryMax != 5*time.Second {
		t.Fatalf("retry window: %v..%v", cfg.RetryInitial, cfg.RetryMax)
	}
	if !cfg.AutoPartition || !cfg.MountPartitions {
		t.Fatalf("partition flags: auto=%v mount=%v", cfg.AutoPartition, cfg.MountPartitions)
	}
	if cfg.Variables["serialno"] != "abc123" {
		t.Fatalf("variables: %+v", cfg.Variables)
	}
	if cfg.Decompress["system"] != "gzip" || cfg.Decompress["boot"] != "lz4" {
		t.Fatalf("decompress should merge: %+v", cfg.Decompress)
	}
	if len(cfg.InstallerMedia) != 1 || cfg.InstallerMedia[0].FSType != "vfat" {
		t.Fatalf("installer media: %+v", cfg.InstallerMedia)
	}
	if cfg.InstallerMountPoint != "/installer" {
		t.Fatalf("installer mount point: %q", cfg.InstallerMountPoint)
	}
	if cfg.MetricsAddr != "127.0.0.1:9400" {
		t.Fatalf("metrics addr: %q", cfg.MetricsAddr)
	}
	if cfg.MetricsToken != "t0k" {
		t.Fatalf("metrics token: %q", cfg.MetricsToken)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://localhost:3000" {
		t.Fatalf("cors origins: %+v", cfg.CorsOrigins)
	}
	tc := cfg.Transport()
	if tc.TCPPort != -1 || tc.Backoff.InitialDelay != 100*time.Millisecond {
		t.Fatalf("transport config: %+v", tc)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "product = \"board\"\ntcp_port = 2000\n")
	t.Setenv("FLASHD_TCP_PORT", "3000")
	t.Setenv("FLASHD_STAGING_PATH", "/data/stage.bin")
	t.Setenv("FLASHD_CORS_ORIGINS", "http://a,http://b")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Product != "board" {
		t.Fatalf("product from file lost: %q", cfg.Product)
	}
	if cfg.TCPPort != 3000 {
		t.Fatalf("env should win over file, got %d", cfg.TCPPort)
	}
	if cfg.StagingPath != "/data/stage.bin" {
		t.Fatalf("staging path: %q", cfg.StagingPath)
	}
	if len(cfg.CorsOrigins) != 2 {
		t.Fatalf("cors origins: %+v", cfg.CorsOrigins)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: "scratch = 3\n"},
		{name: "zero scratch", body: "scratch_mb = 0\n"},
		{name: "relative staging", body: "staging_path = \"stage.bin\"\n"},
		{name: "no endpoint", body: "device_path = \"\"\ntcp_port = -1\n"},
		{name: "bad codec", body: "[decompress]\nsystem = \"bzip2\"\n"},
		{name: "retry window", body: "retry_initial = \"10s\"\nretry_max = \"1s\"\n"},
		{name: "auto without disk", body: "auto_partition = true\nbase_device = \"\"\n"},
		{name: "medium without device", body: "[[installer.media]]\nfs_type = \"vfat\"\n"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
}

func TestLoadBadDuration(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(writeConfig(t, "retry_max = \"soon\"\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, Template))
	if err != nil {
		t.Fatalf("template should load: %v", err)
	}
	if len(cfg.InstallerMedia) != 1 || cfg.InstallerMedia[0].Device != "/dev/sda1" {
		t.Fatalf("template media: %+v", cfg.InstallerMedia)
	}
}
