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

	"github.com/adrian-moloca/dental-sub010/pkg/downloader"
	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/identity"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/merge"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/orchestrator"
	"github.com/adrian-moloca/dental-sub010/pkg/presence"
	"github.com/adrian-moloca/dental-sub010/pkg/realtime"
	"github.com/adrian-moloca/dental-sub010/pkg/scheduler"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/adrian-moloca/dental-sub010/pkg/uploadqueue"
)

var syncDeviceID string
var syncMetricsAddr string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive the Sync Orchestrator for a registered device",
}

var syncTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a single upload+download sync pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, cleanup, err := buildOrchestrator(syncDeviceID, false)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := context.Background()
		if err := orch.Initialize(ctx); err != nil {
			return fmt.Errorf("orchestrator initialize: %w", err)
		}
		status, err := orch.TriggerSync(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Printf("uploaded=%d downloaded=%d conflicts=%d\n", status.Uploaded, status.Downloaded, status.Conflicts)
		return nil
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Auto-Sync Scheduler continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, deps, cleanup, err := buildOrchestrator(syncDeviceID, true)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := orch.Initialize(ctx); err != nil {
			return fmt.Errorf("orchestrator initialize: %w", err)
		}

		sched := scheduler.New(orch, newPollingNetworkMonitor(ctx, deps.cfg.SyncBaseURL))
		sched.Start(ctx)
		defer sched.Stop()

		if syncMetricsAddr != "" {
			go serveMetrics(syncMetricsAddr)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		log.WithComponent("syncctl").Info().Str("device_id", syncDeviceID).Msg("sync daemon running")
		<-sigCh
		log.WithComponent("syncctl").Info().Msg("shutting down sync daemon")
		orch.Shutdown()
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the orchestrator's last known sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, _, cleanup, err := buildOrchestrator(syncDeviceID, false)
		if err != nil {
			return err
		}
		defer cleanup()

		status := orch.Status()
		fmt.Printf("paused=%v uploaded=%d downloaded=%d conflicts=%d last_sync=%s last_error=%q\n",
			orch.Paused(), status.Uploaded, status.Downloaded, status.Conflicts, status.LastSyncAt.Format(time.RFC3339), status.LastError)
		return nil
	},
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncDeviceID, "device-id", "", "Registered device ID driving this sync")
	_ = syncCmd.MarkPersistentFlagRequired("device-id")
	syncDaemonCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")

	syncCmd.AddCommand(syncTriggerCmd)
	syncCmd.AddCommand(syncDaemonCmd)
	syncCmd.AddCommand(syncStatusCmd)
}

// buildOrchestrator wires every collaborator the Sync Orchestrator needs
// for deviceID: Secret Store, Local Store, Device Identity, Upload Queue,
// Delta Downloader, Realtime Channel, Presence Tracker, and the shared
// event broker. withRealtime controls whether a live Realtime Channel is
// dialed; one-shot commands skip it since they exit before any inbound
// patch could arrive.
func buildOrchestrator(deviceID string, withRealtime bool) (*orchestrator.Orchestrator, *coreDeps, func(), error) {
	deps, err := wireCoreDeps()
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { deps.local.Close() }

	device, err := deps.local.GetDevice(deviceID)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("unknown device %q: %w", deviceID, err)
	}

	idMgr := identity.NewManager(deps.rest, deps.secrets, deps.local)
	registry := entity.DefaultRegistry()
	uploadEnvelope, err := deviceEnvelope(deps, device)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	uploads := uploadqueue.NewQueue(deps.local, deps.rest, uploadEnvelope)
	downloads := downloader.NewDownloader(deps.local, deps.rest, registry, downloader.CollisionServerWins)
	broker := events.NewBroker()
	broker.Start()
	presenceTracker := presence.NewTracker()

	var channel *realtime.Channel
	if withRealtime && deps.cfg.RealtimeBaseURL != "" {
		channel = realtime.NewChannel(deps.cfg.RealtimeBaseURL, deviceID, broker)
	}

	orch := orchestrator.New(orchestrator.Config{
		Scope: orchestrator.Scope{
			TenantID:       device.TenantID,
			OrganizationID: device.OrganizationID,
			ClinicID:       device.ClinicID,
			DeviceID:       deviceID,
		},
		Identity:      idMgr,
		Local:         deps.local,
		UploadQueue:   uploads,
		Downloader:    downloads,
		Realtime:      channel,
		Presence:      presenceTracker,
		Broker:        broker,
		Entities:      registry,
		MergeStrategy: merge.StrategyLastWriterWins,
	})

	fullCleanup := func() {
		broker.Stop()
		cleanup()
	}
	return orch, deps, fullCleanup, nil
}

// deviceEnvelope loads device's encryption_key from the Secret Store and
// wraps it for sealing pending uploads at rest (DESIGN.md Open Question
// decision #1). A device with no secrets saved yet (should not happen
// past registration) runs with sealing disabled rather than failing sync
// outright.
func deviceEnvelope(deps *coreDeps, device *types.DeviceIdentity) (*security.Envelope, error) {
	scope := secretstore.Scope{TenantID: device.TenantID, OrganizationID: device.OrganizationID, DeviceID: device.DeviceID}
	secrets, err := deps.secrets.Load(scope)
	if err != nil {
		log.WithComponent("syncctl").Warn().Str("device_id", device.DeviceID).Msg("no stored secrets, pending uploads will not be sealed at rest")
		return nil, nil
	}
	envelope, err := security.NewEnvelope(secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope from device encryption key: %w", err)
	}
	return envelope, nil
}

// pollingNetworkMonitor implements scheduler.NetworkMonitor with a
// periodic HTTP HEAD reachability probe against the configured sync base URL,
// since the sync core has no OS-level network-change notification of its
// own to depend on.
type pollingNetworkMonitor struct {
	ch       chan scheduler.NetworkState
	probeURL string
}

func newPollingNetworkMonitor(ctx context.Context, syncBaseURL string) *pollingNetworkMonitor {
	m := &pollingNetworkMonitor{ch: make(chan scheduler.NetworkState, 1), probeURL: syncBaseURL}
	go m.run(ctx)
	return m
}

func (m *pollingNetworkMonitor) Changes() <-chan scheduler.NetworkState {
	return m.ch
}

func (m *pollingNetworkMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	last := scheduler.NetworkOnline
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := m.probe()
			if state != last {
				last = state
				select {
				case m.ch <- state:
				default:
				}
			}
		}
	}
}

func (m *pollingNetworkMonitor) probe() scheduler.NetworkState {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Head(m.probeURL)
	if err != nil {
		return scheduler.NetworkOffline
	}
	resp.Body.Close()
	return scheduler.NetworkOnline
}

func serveMetrics(addr string) {
	log.WithComponent("syncctl").Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
		log.WithComponent("syncctl").Error().Err(err).Msg("metrics server stopped")
	}
}
