// Package downloader implements the Delta Downloader: pulling
// ordered remote changes since the last synced sequence, resolving
// collisions against in-flight local writes, and advancing the cursor
// atomically with the last applied change.
package downloader

import (
	"context"
	"fmt"

	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/merge"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// CollisionStrategy picks how a downloaded change that collides with an
// in-flight local pending change is resolved.
type CollisionStrategy string

const (
	// CollisionServerWins marks the colliding pending row resolved and
	// overwrites its data with the remote change (the default).
	CollisionServerWins CollisionStrategy = "server_wins"
	// CollisionClientWins keeps the pending row and raises its retry
	// count instead of letting the remote change overwrite it.
	CollisionClientWins CollisionStrategy = "client_wins"
	// CollisionMerge deep-merges the remote change onto the local data
	// via the Merge Engine.
	CollisionMerge CollisionStrategy = "merge"
)

// DownloadLimit is the page size requested per GET /sync/download call.
const DownloadLimit = 200

// Result summarizes one download cycle.
type Result struct {
	Applied         int
	Collisions      int
	CurrentSequence uint64
}

// Downloader pulls and applies remote changes for one tenant scope.
type Downloader struct {
	local    localstore.Store
	rest     *restclient.Client
	entities *entity.Registry
	strategy CollisionStrategy
}

// NewDownloader wires a Downloader. registry defaults to
// entity.DefaultRegistry() when nil.
func NewDownloader(local localstore.Store, rest *restclient.Client, registry *entity.Registry, strategy CollisionStrategy) *Downloader {
	if registry == nil {
		registry = entity.DefaultRegistry()
	}
	if strategy == "" {
		strategy = CollisionServerWins
	}
	return &Downloader{local: local, rest: rest, entities: registry, strategy: strategy}
}

// Download runs the full delta-download protocol for one
// tenant/organization/clinic scope.
func (d *Downloader) Download(ctx context.Context, deviceBearer, deviceID, tenantID, organizationID, clinicID string) (Result, error) {
	logger := log.WithComponent("downloader")

	cursor, err := d.local.GetCursor(tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("downloader: failed to read cursor: %w", err)
	}

	resp, err := d.rest.Download(ctx, deviceBearer, deviceID, cursor.LastSyncedSequence, DownloadLimit)
	if err != nil {
		return Result{}, fmt.Errorf("downloader: download request failed: %w", err)
	}

	var result Result
	for _, change := range resp.Changes {
		collided, skipApply, err := d.resolveCollision(change, organizationID)
		if err != nil {
			return result, fmt.Errorf("downloader: collision resolution failed for %s/%s: %w", change.EntityType, change.EntityID, err)
		}
		if collided {
			result.Collisions++
		}
		if skipApply {
			// client-wins: the local pending row keeps the domain record
			// as-is; this remote change is dropped rather than applied,
			// and the cursor still advances past it below.
			continue
		}

		cursorSeq := change.SequenceNumber
		if change.SequenceNumber < resp.CurrentSequence && change == lastChange(resp.Changes) {
			cursorSeq = resp.CurrentSequence
		}
		if err := d.local.ApplyRemoteChange(change, cursorSeq); err != nil {
			if err == localstore.ErrDuplicateSequence {
				logger.Warn().Str("entity_id", change.EntityID).Uint64("sequence", change.SequenceNumber).Msg("duplicate sequence number, skipping")
				continue
			}
			return result, fmt.Errorf("downloader: failed to apply remote change: %w", err)
		}
		result.Applied++
		metrics.ChangesDownloadedTotal.Inc()
	}

	// The cursor must land on the server's reported current_sequence even
	// when the last applied change's own sequence number is lower (spec
	// §4.5 step 4).
	if err := d.local.AdvanceCursor(tenantID, resp.CurrentSequence); err != nil {
		return result, fmt.Errorf("downloader: failed to advance cursor: %w", err)
	}
	result.CurrentSequence = resp.CurrentSequence

	return result, nil
}

func lastChange(changes []*types.ChangeLogEntry) *types.ChangeLogEntry {
	if len(changes) == 0 {
		return nil
	}
	return changes[len(changes)-1]
}

// resolveCollision checks for a not-yet-uploaded local change on the same
// record, scoped per DESIGN.md Open Question decision #3: (tenant_id,
// organization_id, entity_type, entity_id).
func (d *Downloader) resolveCollision(change *types.ChangeLogEntry, organizationID string) (collided, skipApply bool, err error) {
	pending, err := d.local.PendingForEntity(change.TenantID, organizationID, change.EntityType, change.EntityID)
	if err != nil {
		return false, false, err
	}
	if pending == nil {
		return false, false, nil
	}

	switch d.strategy {
	case CollisionClientWins:
		pending.RetryCount++
		pending.LastError = "superseded by remote change, retrying with local data"
		if err := d.local.FinalizeBatch(nil, []*types.PendingChange{pending}); err != nil {
			return true, false, err
		}
		metrics.MergeConflictsTotal.WithLabelValues("client_wins").Inc()
		return true, true, nil
	case CollisionMerge:
		adapter, ok := d.entities.Lookup(change.EntityType)
		if !ok {
			return true, false, fmt.Errorf("unknown entity type %q", change.EntityType)
		}
		existing, getErr := d.local.GetDomainRecord(adapter.TableName(), change.TenantID, change.EntityID)
		localData := types.Data{}
		localMeta := merge.LocalMeta{}
		if getErr == nil {
			localData = existing.Data
			localMeta = merge.LocalMeta{Version: existing.Meta.Version, Timestamp: existing.Meta.UpdatedAt, ActorID: existing.Meta.ActorID}
		}
		patch := types.PatchEnvelope{Version: change.SequenceNumber, Timestamp: change.Timestamp, Patch: change.Data}
		mergeResult := merge.Merge(localData, localMeta, patch, merge.StrategyMergeObjects)
		change.Data = mergeResult.Merged
		if err := d.local.MarkPendingOverwritten(pending.LocalID); err != nil {
			return true, false, err
		}
		metrics.MergeConflictsTotal.WithLabelValues("merged").Inc()
	default: // CollisionServerWins
		if err := d.local.MarkPendingOverwritten(pending.LocalID); err != nil {
			return true, false, err
		}
		metrics.MergeConflictsTotal.WithLabelValues("server_wins").Inc()
	}

	return true, false, nil
}
