package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mailchat/go-engine/internal/bootstrap/engineconfig"
	"mailchat/go-engine/internal/composition/engineservice"
	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/identity"
	"mailchat/go-engine/internal/platform/privacylog"
	"mailchat/go-engine/internal/transport"
	"mailchat/go-engine/internal/transport/wakutransport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local data (optional)")
	address := flag.String("address", "", "Local chat address, required on first run")
	transportName := flag.String("transport", "", "Network transport override: go-waku | mock")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	if *showVersion {
		fmt.Printf("chatd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(privacylog.WrapHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	if err := run(*configPath, *dataDir, *address, *transportName, logger); err != nil {
		logger.Error("chatd failed", "reason", err.Error())
		os.Exit(1)
	}
}

func run(configPath, dataDir, address, transportName string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := engineconfig.LoadFromPath(configPath)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if address != "" {
		cfg.Address = address
	}
	if transportName != "" {
		cfg.Transport = transportName
	}

	profile, keys, err := openProfile(cfg, logger)
	if err != nil {
		return err
	}
	cfg.Address = profile.Address

	var tr contracts.Transport
	switch cfg.Transport {
	case engineconfig.TransportGoWaku:
		wakuTransport, err := wakutransport.NewTransport(cfg.Network, profile.Address,
			filepath.Join(cfg.DataDir, "removed.enc"), keys.StorageSecret, logger)
		if err != nil {
			return fmt.Errorf("waku transport: %w", err)
		}
		tr = wakuTransport
	case engineconfig.TransportMock, "":
		// A process-local mailbox: useful for development and the test suite,
		// useless for talking to anyone else.
		tr = transport.NewMailBus(time.Now).Endpoint(profile.Address)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	svc, err := engineservice.New(engineservice.Options{
		Config:        cfg,
		Self:          profile.Address,
		StorageSecret: keys.StorageSecret,
		Transport:     tr,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info("chatd started", "address", profile.Address, "transport", cfg.Transport)
	<-ctx.Done()
	svc.Stop()
	logger.Info("chatd stopped")
	return nil
}

// openProfile unlocks the stored profile, or enrolls one on first run. The
// password comes from MAILCHAT_PASSWORD; the recovery mnemonic of a fresh
// profile is printed once to stdout and never stored in the clear.
func openProfile(cfg engineconfig.Config, logger *slog.Logger) (identity.Profile, identity.DerivedKeys, error) {
	password := os.Getenv("MAILCHAT_PASSWORD")
	manager := identity.NewManager(filepath.Join(cfg.DataDir, "profile.json"))
	if err := manager.Load(); err != nil {
		return identity.Profile{}, identity.DerivedKeys{}, err
	}

	if profile, ok := manager.Profile(); ok {
		_, keys, err := manager.Unlock(password)
		if errors.Is(err, identity.ErrPasswordRequired) {
			return identity.Profile{}, identity.DerivedKeys{}, errors.New("MAILCHAT_PASSWORD is required to unlock the profile")
		}
		if err != nil {
			return identity.Profile{}, identity.DerivedKeys{}, err
		}
		return profile, keys, nil
	}

	if cfg.Address == "" {
		return identity.Profile{}, identity.DerivedKeys{}, errors.New("no profile stored; pass -address to enroll")
	}
	if password == "" {
		return identity.Profile{}, identity.DerivedKeys{}, errors.New("MAILCHAT_PASSWORD is required to enroll a profile")
	}
	mnemonic, keys, err := manager.Create(cfg.Address, "", password)
	if err != nil {
		return identity.Profile{}, identity.DerivedKeys{}, err
	}
	fmt.Printf("recovery mnemonic (write this down, it is shown only once):\n%s\n", mnemonic)
	logger.Info("profile enrolled")
	profile, _ := manager.Profile()
	return profile, keys, nil
}
