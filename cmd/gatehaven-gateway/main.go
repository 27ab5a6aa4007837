// Gatehaven gateway service
// Main entry point for the on-site gateway daemon
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/gatehaven/platform/internal/dbsync"
	"github.com/gatehaven/platform/internal/engine"
	"github.com/gatehaven/platform/internal/lora"
	"github.com/gatehaven/platform/internal/security"
	"github.com/gatehaven/platform/internal/store"
	"github.com/gatehaven/platform/internal/transport"
)

// errTransport marks startup failures on an external link so main can
// exit with a distinct code.
var errTransport = errors.New("transport failure")

// Config represents the configuration file structure
type Config struct {
	Gateway struct {
		ID       string `yaml:"id"`
		StoreDir string `yaml:"store_dir"`
	} `yaml:"gateway"`

	LoRa struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"lora"`

	LocalMQTT struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		CACert   string `yaml:"ca_cert"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"local_mqtt"`

	CloudMQTT struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		CACert     string `yaml:"ca_cert"`
		ClientCert string `yaml:"client_cert"`
		ClientKey  string `yaml:"client_key"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"cloud_mqtt"`

	Sync struct {
		BaseURL  string `yaml:"base_url"`
		Interval int    `yaml:"interval"`
	} `yaml:"sync"`

	Security struct {
		HMACKey           string `yaml:"hmac_key"`
		MaxFailedAttempts int    `yaml:"max_failed_attempts"`
		LockoutSeconds    int    `yaml:"lockout_seconds"`
	} `yaml:"security"`

	Devices struct {
		Gate string `yaml:"gate"`
		Temp string `yaml:"temp"`
		Fan  string `yaml:"fan"`
	} `yaml:"devices"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "gatehaven-gateway",
		Short: "Gatehaven Gateway",
		Long:  "On-site gateway for the Gatehaven access control system. Bridges LoRa devices and the local broker to the cloud.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway service",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Gatehaven Gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/gatehaven/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errTransport) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Gateway.ID == "" {
		return fmt.Errorf("gateway.id is required")
	}
	if cfg.Security.HMACKey == "" {
		return fmt.Errorf("security.hmac_key is required")
	}
	hmacKey, err := hex.DecodeString(cfg.Security.HMACKey)
	if err != nil {
		return fmt.Errorf("invalid HMAC key: %w", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	storeDir := cfg.Gateway.StoreDir
	if storeDir == "" {
		storeDir = "/var/lib/gatehaven"
	}
	st, err := store.Open(storeDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	secCfg := security.DefaultConfig()
	secCfg.HMACKey = hmacKey
	if cfg.Security.MaxFailedAttempts > 0 {
		secCfg.MaxFailedAttempts = cfg.Security.MaxFailedAttempts
	}
	if cfg.Security.LockoutSeconds > 0 {
		secCfg.LockoutDuration = time.Duration(cfg.Security.LockoutSeconds) * time.Second
	}
	sec := security.New(secCfg, logger)

	// Radio link
	loraCfg := lora.DefaultConfig()
	loraCfg.Port = cfg.LoRa.Port
	if cfg.LoRa.Baud > 0 {
		loraCfg.Baud = cfg.LoRa.Baud
	}
	radio := lora.New(loraCfg, logger)

	// Site broker
	localCfg := transport.DefaultLocalConfig()
	localCfg.Host = cfg.LocalMQTT.Host
	if cfg.LocalMQTT.Port > 0 {
		localCfg.Port = cfg.LocalMQTT.Port
	}
	localCfg.CACert = cfg.LocalMQTT.CACert
	localCfg.Username = cfg.LocalMQTT.Username
	localCfg.Password = cfg.LocalMQTT.Password
	localCfg.ClientID = "gateway-" + cfg.Gateway.ID + "-local"
	local := transport.NewLocal(localCfg, logger)

	// Cloud uplink
	cloudCfg := transport.DefaultCloudConfig()
	cloudCfg.Host = cfg.CloudMQTT.Host
	if cfg.CloudMQTT.Port > 0 {
		cloudCfg.Port = cfg.CloudMQTT.Port
	}
	cloudCfg.GatewayID = cfg.Gateway.ID
	cloudCfg.CACert = cfg.CloudMQTT.CACert
	cloudCfg.ClientCert = cfg.CloudMQTT.ClientCert
	cloudCfg.ClientKey = cfg.CloudMQTT.ClientKey
	if cfg.CloudMQTT.BufferSize > 0 {
		cloudCfg.BufferSize = cfg.CloudMQTT.BufferSize
	}
	cloud := transport.NewCloud(cloudCfg, logger)

	// Credential sync
	syncCfg := dbsync.DefaultConfig()
	syncCfg.BaseURL = cfg.Sync.BaseURL
	syncCfg.GatewayID = cfg.Gateway.ID
	if cfg.Sync.Interval > 0 {
		syncCfg.Interval = time.Duration(cfg.Sync.Interval) * time.Second
	}
	syncClient := dbsync.New(syncCfg, st, logger)

	engCfg := engine.DefaultConfig()
	engCfg.GatewayID = cfg.Gateway.ID
	if cfg.Devices.Gate != "" {
		engCfg.GateDeviceID = cfg.Devices.Gate
	}
	if cfg.Devices.Temp != "" {
		engCfg.TempDeviceID = cfg.Devices.Temp
	}
	if cfg.Devices.Fan != "" {
		engCfg.FanDeviceID = cfg.Devices.Fan
	}
	eng := engine.New(engCfg, st, sec, local, cloud, radio, logger)

	radio.SetReceiveCallback(eng.HandleFrame)
	local.SetMessageCallback(eng.HandleLocalMessage)
	cloud.SetCommandCallback(eng.HandleCloudCommand)
	cloud.SetSyncTriggerCallback(syncClient.Trigger)
	syncClient.SetAppliedCallback(func(version string, stats dbsync.Stats) {
		logger.Infow("credential snapshot applied", "version", version,
			"passwords", stats.PasswordsCount, "rfid_cards", stats.RFIDCardsCount,
			"devices", stats.DevicesCount)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := radio.Start(); err != nil {
		return fmt.Errorf("%w: lora: %v", errTransport, err)
	}
	if err := local.Connect(); err != nil {
		return fmt.Errorf("%w: local broker: %v", errTransport, err)
	}
	if err := cloud.Connect(); err != nil {
		return fmt.Errorf("%w: cloud broker: %v", errTransport, err)
	}
	syncClient.Start(ctx)
	if err := eng.Start(); err != nil {
		return err
	}

	logger.Infow("gateway running", "gateway_id", cfg.Gateway.ID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infow("shutting down", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		logger.Errorw("engine shutdown error", "error", err)
	}
	syncClient.Stop()
	cloud.Disconnect()
	local.Disconnect()
	if err := radio.Stop(); err != nil {
		logger.Errorw("radio shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
