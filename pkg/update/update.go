// Package update implements the Update Pipeline: checking for
// a new application version, downloading and verifying a differential
// patch or full package, applying it through an injected PatchApplier,
// and rolling back atomically on any failure. Integrity (SHA-256) and
// signature (RSA-SHA256) checks are mandatory and never skipped.
package update

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
)

// State is one position in the update pipeline's state machine.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StateApplying    State = "applying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateRollingBack State = "rolling_back"
)

// PatchApplier is the injected capability that actually mutates the
// installed application image.
type PatchApplier interface {
	// Apply transforms the application image at appPath using the staged
	// payload at stagingPath (a downloaded full package or differential
	// patch, already integrity- and signature-verified).
	Apply(stagingPath, appPath string) error
}

// Config wires a Pipeline's collaborators and host paths.
type Config struct {
	Rest           *restclient.Client
	HTTPClient     *http.Client
	PublicKeyPEM   []byte
	Applier        PatchApplier
	Broker         *events.Broker
	StagingDir     string // <user-data>/updates/
	BackupDir      string // <user-data>/backups/
	AppPath        string // path to the installed application image
	CurrentVersion string
	Platform       string
	Arch           string
}

// Pipeline runs the Update Pipeline for one host installation.
type Pipeline struct {
	rest       *restclient.Client
	httpClient *http.Client
	publicKey  []byte
	applier    PatchApplier
	broker     *events.Broker
	stagingDir string
	backupDir  string
	appPath    string
	platform   string
	arch       string

	mu      sync.Mutex
	state   State
	version string
}

// New constructs a Pipeline in StateIdle.
func New(cfg Config) *Pipeline {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Pipeline{
		rest:       cfg.Rest,
		httpClient: httpClient,
		publicKey:  cfg.PublicKeyPEM,
		applier:    cfg.Applier,
		broker:     cfg.Broker,
		stagingDir: cfg.StagingDir,
		backupDir:  cfg.BackupDir,
		appPath:    cfg.AppPath,
		platform:   cfg.Platform,
		arch:       cfg.Arch,
		state:      StateIdle,
		version:    cfg.CurrentVersion,
	}
}

// State reports the pipeline's current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// CheckForUpdates runs GET /updates/latest for channel.
func (p *Pipeline) CheckForUpdates(ctx context.Context, channel string) (*restclient.UpdateCheckResult, error) {
	p.setState(StateChecking)
	p.broker.Publish(events.Event{Kind: events.KindUpdateCheckStart})

	result, err := p.rest.CheckForUpdates(ctx, p.platform, p.arch, p.currentVersion(), channel)
	if err != nil {
		p.setState(StateFailed)
		return nil, fmt.Errorf("update: check failed: %w", err)
	}
	p.setState(StateIdle)
	return result, nil
}

func (p *Pipeline) currentVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// DownloadAndApply runs the full download-verify-apply protocol. A failure
// after the image has been backed up triggers Rollback before the error is
// surfaced; an earlier failure never touched appPath, so there is nothing
// to roll back.
func (p *Pipeline) DownloadAndApply(ctx context.Context, result *restclient.UpdateCheckResult) error {
	logger := log.WithComponent("update")
	timer := metrics.NewTimer()
	start := time.Now()

	p.setState(StateDownloading)
	p.broker.Publish(events.Event{Kind: events.KindUpdateDownloading})
	if err := p.rest.RegisterInstallation(ctx, restclient.RegisterInstallationRequest{
		FromVersion: p.currentVersion(),
		ToVersion:   result.Version,
		Platform:    p.platform,
		Arch:        p.arch,
		EventType:   "download_started",
		Timestamp:   time.Now(),
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to register download_started telemetry")
	}

	downloadURL, checksum, signatureB64 := result.DownloadURL, result.Checksum, result.Signature
	if result.DifferentialPatch != nil {
		downloadURL = result.DifferentialPatch.DownloadURL
		checksum = result.DifferentialPatch.Checksum
		signatureB64 = result.DifferentialPatch.Signature
	}

	stagingPath, payload, err := p.download(ctx, downloadURL)
	if err != nil {
		return p.fail(ctx, result, "download_failed", fmt.Errorf("update: download failed: %w", err), false)
	}

	if got := security.SHA256Hex(payload); got != checksum {
		return p.fail(ctx, result, "checksum_mismatch", fmt.Errorf("update: checksum mismatch: got %s want %s", got, checksum), false)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return p.fail(ctx, result, "signature_decode_failed", fmt.Errorf("update: failed to decode signature: %w", err), false)
	}
	if err := security.VerifySignature(p.publicKey, payload, signature); err != nil {
		return p.fail(ctx, result, "signature_invalid", fmt.Errorf("update: signature verification failed: %w", err), false)
	}
	metrics.UpdatePipelineDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())

	backupPath, err := p.backupCurrentImage()
	if err != nil {
		return p.fail(ctx, result, "backup_failed", fmt.Errorf("update: backup failed: %w", err), false)
	}

	p.setState(StateApplying)
	applyStart := time.Now()
	if err := p.applier.Apply(stagingPath, p.appPath); err != nil {
		metrics.UpdatePipelineDuration.WithLabelValues("apply").Observe(time.Since(applyStart).Seconds())
		logger.Error().Err(err).Str("backup_path", backupPath).Msg("apply failed, rolling back")
		return p.fail(ctx, result, "apply_failed", fmt.Errorf("update: apply failed: %w", err), true)
	}
	metrics.UpdatePipelineDuration.WithLabelValues("apply").Observe(time.Since(applyStart).Seconds())

	elapsed := time.Since(start)
	if err := p.rest.RegisterInstallation(ctx, restclient.RegisterInstallationRequest{
		FromVersion: p.currentVersion(),
		ToVersion:   result.Version,
		Platform:    p.platform,
		Arch:        p.arch,
		EventType:   "apply_completed",
		Timestamp:   time.Now(),
		Metadata:    map[string]string{"elapsedMs": fmt.Sprintf("%d", elapsed.Milliseconds())},
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to register apply_completed telemetry")
	}

	p.mu.Lock()
	p.version = result.Version
	p.state = StateCompleted
	p.mu.Unlock()

	timer.ObserveDurationVec(metrics.UpdatePipelineDuration, "total")
	metrics.UpdatesAppliedTotal.WithLabelValues("success").Inc()
	p.broker.Publish(events.Event{Kind: events.KindUpdateApplied, Payload: elapsed})
	return nil
}

// fail records a failed update attempt. backupTaken tells fail whether
// backupCurrentImage had already completed when origErr occurred: a
// failure before that point (download, checksum, signature) never
// touched appPath, so there is nothing to roll back.
func (p *Pipeline) fail(ctx context.Context, result *restclient.UpdateCheckResult, reason string, origErr error, backupTaken bool) error {
	p.setState(StateFailed)
	metrics.UpdatesAppliedTotal.WithLabelValues("failure").Inc()
	p.broker.Publish(events.Event{Kind: events.KindUpdateFailed, Payload: origErr.Error()})

	if reason == "apply_failed" {
		if err := p.rest.RegisterInstallation(ctx, restclient.RegisterInstallationRequest{
			FromVersion: p.currentVersion(),
			ToVersion:   result.Version,
			Platform:    p.platform,
			Arch:        p.arch,
			EventType:   "apply_failed",
			Timestamp:   time.Now(),
			Metadata:    map[string]string{"error": origErr.Error()},
		}); err != nil {
			log.WithComponent("update").Warn().Err(err).Msg("failed to register apply_failed telemetry")
		}
	}

	if !backupTaken {
		return origErr
	}
	if rbErr := p.Rollback(ctx, result.Version); rbErr != nil {
		log.WithComponent("update").Error().Err(rbErr).Str("reason", reason).Msg("rollback after failed update also failed")
	}
	return origErr
}

// Rollback restores the prior application image from its backup and
// registers a rollback installation event. failedVersion is the version
// the failed update attempted to reach.
func (p *Pipeline) Rollback(ctx context.Context, failedVersion string) error {
	p.setState(StateRollingBack)

	backupPath := p.backupPathForVersion(p.currentVersion())
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("update: no backup available for version %s: %w", p.currentVersion(), err)
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("update: failed to read backup: %w", err)
	}
	if err := os.WriteFile(p.appPath, data, 0o755); err != nil {
		return fmt.Errorf("update: failed to restore backup: %w", err)
	}

	if err := p.rest.RegisterInstallation(ctx, restclient.RegisterInstallationRequest{
		FromVersion: failedVersion,
		ToVersion:   p.currentVersion(),
		Platform:    p.platform,
		Arch:        p.arch,
		EventType:   "rollback",
		Timestamp:   time.Now(),
	}); err != nil {
		log.WithComponent("update").Warn().Err(err).Msg("failed to register rollback telemetry")
	}

	p.setState(StateFailed)
	p.broker.Publish(events.Event{Kind: events.KindUpdateRollback})
	return nil
}

func (p *Pipeline) download(ctx context.Context, url string) (stagingPath string, payload []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	payload, err = io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read body: %w", err)
	}

	if err := os.MkdirAll(p.stagingDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	stagingPath = filepath.Join(p.stagingDir, "staged-update")
	if err := os.WriteFile(stagingPath, payload, 0o644); err != nil {
		return "", nil, fmt.Errorf("failed to write staged payload: %w", err)
	}
	return stagingPath, payload, nil
}

func (p *Pipeline) backupCurrentImage() (string, error) {
	if err := os.MkdirAll(p.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	backupPath := p.backupPathForVersion(p.currentVersion())
	data, err := os.ReadFile(p.appPath)
	if err != nil {
		return "", fmt.Errorf("failed to read current image: %w", err)
	}
	if err := os.WriteFile(backupPath, data, 0o755); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return backupPath, nil
}

func (p *Pipeline) backupPathForVersion(version string) string {
	return filepath.Join(p.backupDir, fmt.Sprintf("backup-%s", version))
}
