// Command syncctl is the composition root for the dental practice sync
// core: it wires the Secret Store, Local Store, Device Identity, Upload
// Queue, Delta Downloader, Realtime Channel, Presence Tracker, Sync
// Orchestrator, Auto-Sync Scheduler, Update Pipeline, and Local Session
// Lock together behind a small set of operator-facing subcommands, one
// cobra command group per subsystem.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adrian-moloca/dental-sub010/pkg/config"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "syncctl",
	Short:   "Offline-first sync core for the dental practice management client",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(lockCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// loadConfig reads the YAML config file overridden by environment
// variables.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// masterKeyPath is where the Secret Store's AES-256 master key lives on
// disk, generated on first run. A production build would source this
// from the OS keychain instead; the sync core's Secret Store contract
// only requires a 32-byte key, not a specific source for it.
func masterKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "master.key")
}

func loadOrCreateMasterKey(dataDir string) ([]byte, error) {
	path := masterKeyPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	key, err := security.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	return key, nil
}

// coreDeps bundles the collaborators every subcommand past config-loading
// needs: the Secret Store, the Local Store, and a REST client.
type coreDeps struct {
	cfg     *config.Config
	secrets secretstore.Store
	local   *localstore.BoltStore
	rest    *restclient.Client
}

func wireCoreDeps() (*coreDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	masterKey, err := loadOrCreateMasterKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	secrets, err := secretstore.NewFileStore(filepath.Join(cfg.DataDir, "secrets.json"), masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	local, err := localstore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	rest := restclient.NewClient(restclient.Config{
		SyncBaseURL:     cfg.SyncBaseURL,
		AuthBaseURL:     cfg.AuthBaseURL,
		RealtimeBaseURL: cfg.RealtimeBaseURL,
		UpdateBaseURL:   cfg.UpdateBaseURL,
	}, nil)

	return &coreDeps{cfg: cfg, secrets: secrets, local: local, rest: rest}, nil
}
