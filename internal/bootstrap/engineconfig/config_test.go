package engineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
address: Alice@Example.org
transport: go-waku
replayOverlap: 90s
network:
  port: 61000
  enableStore: false
  bootstrapNodes:
    - /dns4/node-a.example.org/tcp/60000/p2p/QmA
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadFromPath(path)
	if cfg.Address != "Alice@Example.org" {
		t.Fatalf("address not merged: %q", cfg.Address)
	}
	if cfg.Transport != TransportGoWaku {
		t.Fatalf("transport not merged: %q", cfg.Transport)
	}
	if cfg.ReplayOverlap != 90*time.Second {
		t.Fatalf("replay overlap not merged: %v", cfg.ReplayOverlap)
	}
	if cfg.Network.Port != 61000 {
		t.Fatalf("port not merged: %d", cfg.Network.Port)
	}
	if cfg.Network.EnableStore {
		t.Fatalf("explicit false should override default true")
	}
	if !cfg.Network.EnableRelay {
		t.Fatalf("unset flag should keep its default")
	}
	if len(cfg.Network.BootstrapNodes) != 1 {
		t.Fatalf("bootstrap nodes not merged: %v", cfg.Network.BootstrapNodes)
	}
	if cfg.SweepInterval != time.Minute {
		t.Fatalf("unset field should keep its default: %v", cfg.SweepInterval)
	}
}

func TestLoadFromPathAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MAILCHAT_TRANSPORT", "mock")
	t.Setenv("MAILCHAT_BOOTSTRAP_NODES", " /dns4/a/tcp/1/p2p/QmA , /dns4/b/tcp/2/p2p/QmB ")

	cfg := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Transport != TransportMock {
		t.Fatalf("env transport not applied: %q", cfg.Transport)
	}
	if len(cfg.Network.BootstrapNodes) != 2 {
		t.Fatalf("env bootstrap nodes not applied: %v", cfg.Network.BootstrapNodes)
	}
}

func TestLoadFromPathMissingFileFallsBack(t *testing.T) {
	cfg := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	def := DefaultConfig()
	if cfg.Transport != def.Transport || cfg.ReplayOverlap != def.ReplayOverlap {
		t.Fatalf("defaults not used: %+v", cfg)
	}
}
