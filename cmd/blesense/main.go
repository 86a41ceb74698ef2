// Command blesense runs a BLE peripheral that streams sensor records to
// every connected central and accepts provisioning writes.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
	"github.com/chaz8081/blesense/internal/config"
	"github.com/chaz8081/blesense/internal/sensor"
	"github.com/chaz8081/blesense/internal/sink"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blesense/config.yaml)")
	provisionPath := flag.String("provisioning", "", "where to store provisioning writes (default: ~/.config/blesense/provisioning.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Default config written to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	opts, err := controllerOptions(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if *provisionPath == "" {
		*provisionPath = filepath.Join(config.DefaultConfigDir(), "provisioning.yaml")
	}
	provisioner := sink.NewProvisioner(protocol.MaxFrameBytes, func(conn ble.ConnHandle, p sink.Provisioning) error {
		if _, err := sink.UpdateProvisioning(*provisionPath, p); err != nil {
			return err
		}
		log.Printf("Provisioning from conn %d merged into %s", conn, *provisionPath)
		return nil
	})
	opts.Observer = sink.NewFanout(sink.Logger{}, provisioner)

	// Bring up the radio
	ctrl, err := ble.NewController(ble.NewTinyGoStack(), opts)
	if err != nil {
		log.Fatalf("Failed to start BLE peripheral: %v\n\nCheck that Bluetooth is enabled and this process may use the adapter.", err)
	}
	log.Printf("Advertising as %q", cfg.DeviceName)

	sampler, err := sensor.NewSampler(cfg.Sensor.Schedule, sensor.NewSimulated(), ctrl.Send)
	if err != nil {
		closeOrLog(ctrl)
		log.Fatalf("sensor: %v", err)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sampler.Start()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("sd_notify READY failed", "error", err)
	}
	log.Println("Ready! Ctrl+C to quit.")

	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	sampler.Stop()
	closeOrLog(ctrl)
	log.Println("Goodbye!")
}

// closeOrLog closes the peripheral, logging rather than returning a failure
// since it runs on the way out.
func closeOrLog(c io.Closer) {
	if err := c.Close(); err != nil {
		log.Printf("ERROR: closing peripheral: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// controllerOptions turns a validated config into controller options.
func controllerOptions(cfg *config.Config) (ble.Options, error) {
	svc, err := uuid.Parse(cfg.ServiceUUID)
	if err != nil {
		return ble.Options{}, fmt.Errorf("service_uuid: %w", err)
	}
	char, err := uuid.Parse(cfg.CharacteristicUUID)
	if err != nil {
		return ble.Options{}, fmt.Errorf("characteristic_uuid: %w", err)
	}
	props, err := ble.ParseProperties(cfg.CharacteristicFlags)
	if err != nil {
		return ble.Options{}, err
	}
	policy, err := ble.ParseReadvertisePolicy(cfg.Advertising.Readvertise)
	if err != nil {
		return ble.Options{}, err
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return ble.Options{}, err
	}

	return ble.Options{
		Name: cfg.DeviceName,
		Service: ble.ServiceDefinition{
			Service:        svc,
			Characteristic: char,
			Properties:     props,
		},
		AdvertisingInterval: cfg.Advertising.Interval,
		Readvertise:         policy,
		Codec:               codec,
	}, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blesense ===")
	fmt.Printf("  Name:     %s\n", cfg.DeviceName)
	fmt.Printf("  Service:  %s\n", cfg.ServiceUUID)
	fmt.Printf("  Char:     %s (%s)\n", cfg.CharacteristicUUID, strings.Join(cfg.CharacteristicFlags, "|"))
	fmt.Printf("  Advert:   every %s, readvertise %s\n", cfg.Advertising.Interval, cfg.Advertising.Readvertise)
	fmt.Printf("  Codec:    %s\n", cfg.Codec)
	fmt.Printf("  Schedule: %s\n", cfg.Sensor.Schedule)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
