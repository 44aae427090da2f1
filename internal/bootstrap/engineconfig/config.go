package engineconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mailchat/go-engine/internal/transport/wakutransport"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"
)

// Config is the full engine configuration: the local identity, storage
// layout, replay tuning and the transport section.
type Config struct {
	Address        string               `yaml:"address"`
	DataDir        string               `yaml:"dataDir"`
	Transport      string               `yaml:"transport"`
	ReplayOverlap  time.Duration        `yaml:"replayOverlap"`
	SweepInterval  time.Duration        `yaml:"sweepInterval"`
	SendRatePerMin int                  `yaml:"sendRatePerMin"`
	Network        wakutransport.Config `yaml:"network"`
}

type fileConfig struct {
	Address        string         `yaml:"address"`
	DataDir        string         `yaml:"dataDir"`
	Transport      string         `yaml:"transport"`
	ReplayOverlap  time.Duration  `yaml:"replayOverlap"`
	SweepInterval  time.Duration  `yaml:"sweepInterval"`
	SendRatePerMin int            `yaml:"sendRatePerMin"`
	Network        networkSection `yaml:"network"`
}

type networkSection struct {
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	StoreQueryLimit     int           `yaml:"storeQueryLimit"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:        filepath.Join(home, ".mailchat"),
		Transport:      TransportMock,
		ReplayOverlap:  60 * time.Second,
		SweepInterval:  time.Minute,
		SendRatePerMin: 120,
		Network:        wakutransport.DefaultConfig(),
	}
}

// LoadFromPath reads the yaml config file, falling back to defaults when the
// file is absent or unreadable, then applies environment overrides.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/config.yaml",
			filepath.Join(cfg.DataDir, "config.yaml"),
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		merge(&merged, parsed)
		applyEnvOverrides(&merged)
		return merged
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src fileConfig) {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.ReplayOverlap != 0 {
		dst.ReplayOverlap = src.ReplayOverlap
	}
	if src.SweepInterval != 0 {
		dst.SweepInterval = src.SweepInterval
	}
	if src.SendRatePerMin != 0 {
		dst.SendRatePerMin = src.SendRatePerMin
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.EnableRelay != nil {
		dst.Network.EnableRelay = *src.Network.EnableRelay
	}
	if src.Network.EnableStore != nil {
		dst.Network.EnableStore = *src.Network.EnableStore
	}
	if src.Network.EnableLightPush != nil {
		dst.Network.EnableLightPush = *src.Network.EnableLightPush
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.StoreQueryFanout != 0 {
		dst.Network.StoreQueryFanout = src.Network.StoreQueryFanout
	}
	if src.Network.StoreQueryLimit != 0 {
		dst.Network.StoreQueryLimit = src.Network.StoreQueryLimit
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
}

func applyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("MAILCHAT_ADDRESS")); addr != "" {
		cfg.Address = addr
	}
	if dir := strings.TrimSpace(os.Getenv("MAILCHAT_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if transport := strings.TrimSpace(os.Getenv("MAILCHAT_TRANSPORT")); transport != "" {
		cfg.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("MAILCHAT_NETWORK_PORT")); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			cfg.Network.Port = port
		}
	}
	if raw := strings.TrimSpace(os.Getenv("MAILCHAT_BOOTSTRAP_NODES")); raw != "" {
		nodes := make([]string, 0, 4)
		for _, node := range strings.Split(raw, ",") {
			node = strings.TrimSpace(node)
			if node != "" {
				nodes = append(nodes, node)
			}
		}
		if len(nodes) > 0 {
			cfg.Network.BootstrapNodes = nodes
		}
	}
}
