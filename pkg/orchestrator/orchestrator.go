// Package orchestrator implements the Sync Orchestrator: the
// single composition root the scheduler and UI drive. It wires together
// the Upload Queue, Delta Downloader, Realtime Channel, and Presence
// Tracker, and owns the realtime-patch-to-merge-engine routing that turns
// an inbound `*.updated` event into either a written domain record or a
// filed conflict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adrian-moloca/dental-sub010/pkg/downloader"
	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/identity"
	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/merge"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/presence"
	"github.com/adrian-moloca/dental-sub010/pkg/realtime"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/adrian-moloca/dental-sub010/pkg/uploadqueue"
)

// ErrNotInitialized is returned by TriggerSync before Initialize has run.
var ErrNotInitialized = errors.New("orchestrator: not initialized")

// ErrPaused is returned by TriggerSync while the orchestrator is paused.
var ErrPaused = errors.New("orchestrator: paused")

// ErrAlreadyRunning is returned by TriggerSync when a cycle is already in
// flight.
var ErrAlreadyRunning = errors.New("orchestrator: sync already running")

// ErrRateLimited is returned by TriggerSync when called again before
// minSyncInterval has elapsed since the last cycle.
var ErrRateLimited = errors.New("orchestrator: rate limited")

// minSyncInterval is the minimum inter-sync interval.
const minSyncInterval = 10 * time.Second

// Status is the accumulated snapshot of the most recent sync cycle.
type Status struct {
	Uploaded   int
	Downloaded int
	Conflicts  int
	LastSyncAt time.Time
	LastError  string
}

// Scope identifies the tenant/organization/clinic/device context the
// orchestrator runs under.
type Scope struct {
	TenantID       string
	OrganizationID string
	ClinicID       string
	DeviceID       string
}

// Config wires an Orchestrator's collaborators; the composition root
// (cmd/syncctl) constructs each of these first and hands them in.
type Config struct {
	Scope         Scope
	Identity      *identity.Manager
	Local         localstore.Store
	UploadQueue   *uploadqueue.Queue
	Downloader    *downloader.Downloader
	Realtime      *realtime.Channel
	Presence      *presence.Tracker
	Broker        *events.Broker
	Entities      *entity.Registry
	MergeStrategy merge.Strategy
}

// Orchestrator is the Sync Orchestrator for one device session.
type Orchestrator struct {
	scope     Scope
	identity  *identity.Manager
	local     localstore.Store
	uploads   *uploadqueue.Queue
	downloads *downloader.Downloader
	channel   *realtime.Channel
	presence  *presence.Tracker
	broker    *events.Broker
	entities  *entity.Registry
	strategy  merge.Strategy

	mu            sync.Mutex
	initialized   bool
	paused        bool
	lastSyncAt    time.Time
	status        Status
	running       atomic.Bool
	eventSub      events.Subscriber
	stopPatchPump chan struct{}
}

// New constructs an Orchestrator. Initialize must be called before
// TriggerSync.
func New(cfg Config) *Orchestrator {
	strategy := cfg.MergeStrategy
	if strategy == "" {
		strategy = merge.StrategyLastWriterWins
	}
	entities := cfg.Entities
	if entities == nil {
		entities = entity.DefaultRegistry()
	}
	return &Orchestrator{
		scope:     cfg.Scope,
		identity:  cfg.Identity,
		local:     cfg.Local,
		uploads:   cfg.UploadQueue,
		downloads: cfg.Downloader,
		channel:   cfg.Realtime,
		presence:  cfg.Presence,
		broker:    cfg.Broker,
		entities:  entities,
		strategy:  strategy,
	}
}

// Initialize loads credentials, opens the Realtime Channel, subscribes to
// the tenant's presence channel, and starts the background patch pump
// that routes inbound realtime events to the merge engine.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	token, err := o.identity.EnsureValidAccessToken(ctx, o.scope.DeviceID, false)
	if err != nil {
		return fmt.Errorf("orchestrator: cannot initialize, %w", err)
	}

	if o.channel != nil {
		if err := o.channel.Connect(ctx, token); err != nil {
			return fmt.Errorf("orchestrator: realtime connect failed: %w", err)
		}
		if err := o.channel.Subscribe(realtime.PresenceChannel(o.scope.TenantID)); err != nil {
			log.WithComponent("orchestrator").Warn().Err(err).Msg("failed to subscribe presence channel")
		}
	}

	if o.broker != nil {
		o.eventSub = o.broker.Subscribe()
		o.stopPatchPump = make(chan struct{})
		go o.pumpRealtimeEvents()
	}

	o.initialized = true
	log.WithComponent("orchestrator").Info().Str("tenant_id", o.scope.TenantID).Msg("orchestrator initialized")
	return nil
}

// TriggerSync runs one full upload-then-download cycle. It fails fast if
// paused, uninitialized, already running, or called again before
// minSyncInterval has elapsed.
func (o *Orchestrator) TriggerSync(ctx context.Context) (Status, error) {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return o.status, ErrNotInitialized
	}
	if o.paused {
		o.mu.Unlock()
		return o.status, ErrPaused
	}
	if time.Since(o.lastSyncAt) < minSyncInterval && !o.lastSyncAt.IsZero() {
		o.mu.Unlock()
		return o.status, ErrRateLimited
	}
	o.mu.Unlock()

	if !o.running.CompareAndSwap(false, true) {
		return o.status, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	timer := metrics.NewTimer()
	outcome := "success"
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.WithLabelValues(outcome).Inc()
	}()

	o.broker.Publish(events.Event{Kind: events.KindSyncStarted})

	token, err := o.identity.EnsureValidAccessToken(ctx, o.scope.DeviceID, false)
	if err != nil {
		outcome = "error"
		return o.recordFailure(err)
	}

	uploadResult, err := o.uploads.ProcessBatch(ctx, token, o.scope.DeviceID, o.scope.TenantID, o.scope.OrganizationID, o.scope.ClinicID)
	if errors.Is(err, restclient.ErrUnauthorized) {
		if token, err = o.refreshOnUnauthorized(ctx); err == nil {
			uploadResult, err = o.uploads.ProcessBatch(ctx, token, o.scope.DeviceID, o.scope.TenantID, o.scope.OrganizationID, o.scope.ClinicID)
		}
	}
	if err != nil {
		outcome = "error"
		return o.recordFailure(err)
	}

	downloadResult, err := o.downloads.Download(ctx, token, o.scope.DeviceID, o.scope.TenantID, o.scope.OrganizationID, o.scope.ClinicID)
	if errors.Is(err, restclient.ErrUnauthorized) {
		if token, err = o.refreshOnUnauthorized(ctx); err == nil {
			downloadResult, err = o.downloads.Download(ctx, token, o.scope.DeviceID, o.scope.TenantID, o.scope.OrganizationID, o.scope.ClinicID)
		}
	}
	if err != nil {
		outcome = "error"
		return o.recordFailure(err)
	}

	o.mu.Lock()
	o.lastSyncAt = time.Now()
	o.status = Status{
		Uploaded:   uploadResult.Accepted,
		Downloaded: downloadResult.Applied,
		Conflicts:  downloadResult.Collisions,
		LastSyncAt: o.lastSyncAt,
	}
	status := o.status
	o.mu.Unlock()

	o.broker.Publish(events.Event{Kind: events.KindSyncCompleted, Payload: status})
	return status, nil
}

// refreshOnUnauthorized forces a token refresh after a 401 from the
// server. A refresh failure (device needs re-login) pauses sync rather
// than surfacing a bare error, since retrying without a valid token would
// just 401 again.
func (o *Orchestrator) refreshOnUnauthorized(ctx context.Context) (string, error) {
	token, err := o.identity.EnsureValidAccessToken(ctx, o.scope.DeviceID, true)
	if err != nil {
		o.Pause()
		return "", fmt.Errorf("orchestrator: token refresh failed after auth-expired response: %w", err)
	}
	return token, nil
}

func (o *Orchestrator) recordFailure(err error) (Status, error) {
	o.mu.Lock()
	o.status.LastError = err.Error()
	status := o.status
	o.mu.Unlock()
	o.broker.Publish(events.Event{Kind: events.KindSyncFailed, Payload: err.Error()})
	return status, err
}

// Pause suspends scheduled syncs and realtime write-backs; the Realtime
// Channel itself stays open.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
}

// Resume lifts a prior Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
}

// Paused reports the current pause state.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Status returns a copy of the most recent sync cycle's status snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Shutdown pauses, disconnects the Realtime Channel, and stops the patch
// pump. It does not close the Local Store; the composition root owns
// that handle's lifetime.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.paused = true
	if o.stopPatchPump != nil {
		close(o.stopPatchPump)
		o.stopPatchPump = nil
	}
	if o.eventSub != nil && o.broker != nil {
		o.broker.Unsubscribe(o.eventSub)
		o.eventSub = nil
	}
	o.mu.Unlock()

	if o.channel != nil {
		o.channel.Close()
	}
}

// pumpRealtimeEvents routes KindRealtimeEvent and presence events off the
// broker: patch envelopes go through handlePatch; presence events update
// the local Presence Tracker cache.
func (o *Orchestrator) pumpRealtimeEvents() {
	for {
		select {
		case <-o.stopPatchPump:
			return
		case evt, ok := <-o.eventSub:
			if !ok {
				return
			}
			o.handleEvent(evt)
		}
	}
}

func (o *Orchestrator) handleEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindRealtimeEvent:
		patch, ok := evt.Payload.(types.PatchEnvelope)
		if !ok {
			return
		}
		if o.Paused() {
			log.WithComponent("orchestrator").Debug().Str("resource_id", patch.ResourceID).Msg("realtime patch write-back suspended while paused")
			return
		}
		if err := o.handlePatch(patch); err != nil {
			log.WithComponent("orchestrator").Error().Err(err).Str("resource_id", patch.ResourceID).Msg("failed to apply realtime patch")
		}
	case events.KindPresenceJoined:
		if actorID, ok := evt.Payload.(string); ok && o.presence != nil {
			o.presence.SetStatus(actorID, types.StatusOnline)
		}
	case events.KindPresenceLeft:
		if actorID, ok := evt.Payload.(string); ok && o.presence != nil {
			o.presence.Remove(actorID)
		}
	case events.KindPresenceUpdated:
		if user, ok := evt.Payload.(types.PresenceUser); ok && o.presence != nil {
			o.presence.SetStatus(user.ActorID, user.Status)
			if user.ActiveResource != nil {
				o.presence.SetActiveResource(user.ActorID, *user.ActiveResource)
			} else {
				o.presence.ClearActiveResource(user.ActorID)
			}
		}
	}
}

// handlePatch routes an inbound realtime patch by resource_type to the
// domain table, fetches the local record, runs the Merge Engine, then
// either transactionally writes the merged record and advances CRDT
// metadata, or files a conflict if manual resolution is needed.
func (o *Orchestrator) handlePatch(patch types.PatchEnvelope) error {
	adapter, ok := o.entities.Lookup(patch.ResourceType)
	if !ok {
		return fmt.Errorf("orchestrator: unknown resource type %q", patch.ResourceType)
	}

	existing, err := o.local.GetDomainRecord(adapter.TableName(), patch.TenantID, patch.ResourceID)
	localData := types.Data{}
	localMeta := merge.LocalMeta{}
	if err == nil {
		localData = existing.Data
		localMeta = merge.LocalMeta{Version: existing.Meta.Version, Timestamp: existing.Meta.UpdatedAt, ActorID: existing.Meta.ActorID}
	} else if !errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("orchestrator: failed to read local record: %w", err)
	}

	result := merge.Merge(localData, localMeta, patch, o.strategy)

	if result.NeedsManualResolution {
		conflict := &types.Conflict{
			ID:           uuid.NewString(),
			ResourceType: patch.ResourceType,
			ResourceID:   patch.ResourceID,
			Fields:       result.Conflicts,
			LocalData:    localData,
			RemotePatch:  patch,
			CreatedAt:    time.Now(),
		}
		if err := o.local.FileConflict(conflict); err != nil {
			return fmt.Errorf("orchestrator: failed to file conflict: %w", err)
		}
		o.broker.Publish(events.Event{Kind: events.KindConflictFiled, Payload: conflict})
		metrics.MergeConflictsTotal.WithLabelValues("needs_manual_resolution").Inc()
		return nil
	}

	merged := &types.DomainRecord{
		TenantID:       patch.TenantID,
		OrganizationID: patch.OrganizationID,
		ClinicID:       patch.ClinicID,
		EntityType:     patch.ResourceType,
		EntityID:       patch.ResourceID,
		Data:           result.Merged,
		Meta:           types.CRDTMeta{Version: patch.Version, UpdatedAt: patch.Timestamp, ActorID: patch.ActorID},
	}
	if err := o.local.ApplyMergedRecord(merged); err != nil {
		return fmt.Errorf("orchestrator: failed to apply merged record: %w", err)
	}
	if len(result.Conflicts) > 0 {
		metrics.MergeConflictsTotal.WithLabelValues("auto_resolved").Inc()
	}
	return nil
}
