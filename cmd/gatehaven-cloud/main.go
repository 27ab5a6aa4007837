// Gatehaven cloud service
// Main entry point for the ingest, liveness, and API daemon
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/gatehaven/platform/internal/alerts"
	"github.com/gatehaven/platform/internal/api"
	"github.com/gatehaven/platform/internal/ingest"
	"github.com/gatehaven/platform/internal/liveness"
	"github.com/gatehaven/platform/internal/storage"
	"github.com/gatehaven/platform/internal/ws"
)

// Config represents the configuration file structure
type Config struct {
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	MQTT struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`

	API struct {
		Addr        string `yaml:"addr"`
		TokenSecret string `yaml:"token_secret"`
	} `yaml:"api"`

	Liveness struct {
		CheckInterval  int `yaml:"check_interval"`
		DeviceTimeout  int `yaml:"device_timeout"`
		GatewayTimeout int `yaml:"gateway_timeout"`
	} `yaml:"liveness"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "gatehaven-cloud",
		Short: "Gatehaven Cloud",
		Long:  "Cloud backend for the Gatehaven access control system. Ingests gateway uplinks, tracks liveness, and serves the REST and WebSocket API.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cloud service",
		RunE:  runCloud,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Gatehaven Cloud v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/gatehaven/cloud.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
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

func runCloud(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.API.TokenSecret == "" {
		return fmt.Errorf("api.token_secret is required")
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	hub := ws.NewHub(0, logger)
	hub.Start()

	evaluator := alerts.New(alerts.DefaultConfig())

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Host = cfg.MQTT.Host
	if cfg.MQTT.Port > 0 {
		ingestCfg.Port = cfg.MQTT.Port
	}
	if cfg.MQTT.ClientID != "" {
		ingestCfg.ClientID = cfg.MQTT.ClientID
	}
	ingestCfg.Username = cfg.MQTT.Username
	ingestCfg.Password = cfg.MQTT.Password
	in := ingest.New(ingestCfg, db, hub, evaluator, logger)
	if err := in.Start(); err != nil {
		return fmt.Errorf("failed to start ingest: %w", err)
	}

	liveCfg := liveness.DefaultConfig()
	if cfg.Liveness.CheckInterval > 0 {
		liveCfg.CheckInterval = time.Duration(cfg.Liveness.CheckInterval) * time.Second
	}
	if cfg.Liveness.DeviceTimeout > 0 {
		liveCfg.DeviceTimeout = time.Duration(cfg.Liveness.DeviceTimeout) * time.Second
	}
	if cfg.Liveness.GatewayTimeout > 0 {
		liveCfg.GatewayTimeout = time.Duration(cfg.Liveness.GatewayTimeout) * time.Second
	}
	detector := liveness.New(liveCfg, db, hub, logger)
	detector.Start()

	addr := cfg.API.Addr
	if addr == "" {
		addr = ":8080"
	}
	apiSrv := api.New(api.Config{
		Addr:        addr,
		TokenSecret: []byte(cfg.API.TokenSecret),
	}, db, in, hub, detector, logger)

	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      apiSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	logger.Infow("cloud service running", "addr", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-errChan:
		logger.Errorw("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("http shutdown error", "error", err)
	}
	detector.Stop()
	in.Stop()
	hub.Stop()

	logger.Info("shutdown complete")
	return nil
}
