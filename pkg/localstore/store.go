// Package localstore implements the Local Store: the durable
// embedded store holding domain records, the monotonic change log, the
// pending-upload queue, the realtime conflict inbox, and per-tenant sync
// cursors. It is the single arbiter of persistent client-side state.
package localstore

import (
	"errors"

	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("localstore: not found")

// ErrDuplicateSequence is returned when ApplyRemoteChange is given a
// change whose (tenant_id, sequence_number) has already been recorded for
// a different change. Re-delivery of the same change is detected before
// this check and returns nil, so this error marks a genuine collision.
var ErrDuplicateSequence = errors.New("localstore: duplicate sequence number")

// Store is the Local Store capability.
type Store interface {
	// Devices.
	SaveDevice(device *types.DeviceIdentity) error
	GetDevice(deviceID string) (*types.DeviceIdentity, error)
	DeleteDevice(deviceID string) error

	// Sync cursors, one per tenant.
	GetCursor(tenantID string) (*types.SyncCursor, error)
	// AdvanceCursor moves the tenant's cursor forward to sequence if it is
	// higher than the current value; it is a no-op otherwise.
	AdvanceCursor(tenantID string, sequence uint64) error

	// RecordLocalChange atomically writes a domain record mutation and its
	// corresponding pending-changes entry.
	RecordLocalChange(record *types.DomainRecord, pending *types.PendingChange) error

	// PendingBatch returns up to limit oldest not-yet-synced pending
	// changes for tenantID, ordered by CreatedAt.
	PendingBatch(tenantID string, limit int) ([]*types.PendingChange, error)
	// PendingForEntity returns the not-yet-synced pending change for
	// (tenantID, organizationID, entityType, entityID), if any.
	PendingForEntity(tenantID, organizationID, entityType, entityID string) (*types.PendingChange, error)
	// FinalizeBatch deletes the accepted pending rows (by LocalID) and
	// updates the rejected ones (RetryCount/LastError) in a single
	// transaction.
	FinalizeBatch(accepted []string, rejected []*types.PendingChange) error
	// MarkPendingOverwritten marks a pending change as synced (collision
	// resolved server-wins) without deleting it immediately. It runs in its
	// own transaction, separate from ApplyRemoteChange.
	MarkPendingOverwritten(localID string) error
	// DeleteSyncedPending batch-deletes pending rows already marked synced.
	DeleteSyncedPending(tenantID string) (int, error)

	// ApplyRemoteChange atomically appends a change log entry, routes the
	// change to its domain table (upsert or delete by primary key), and
	// advances the tenant's sync cursor, all in one transaction.
	ApplyRemoteChange(entry *types.ChangeLogEntry, cursorSequence uint64) error
	// HasAppliedSequence reports whether (entityType, entityID,
	// sequenceNumber) has already been applied, for idempotent re-delivery
	// detection.
	HasAppliedSequence(entityType, entityID string, sequenceNumber uint64) (bool, error)

	// ApplyMergedRecord atomically writes a merged domain record (CRDT
	// metadata advanced) in the same transaction that would otherwise file
	// a conflict, so the two outcomes of a merge are mutually exclusive and
	// atomic.
	ApplyMergedRecord(record *types.DomainRecord) error
	// FileConflict persists an unresolved Conflict record to the merge
	// inbox.
	FileConflict(conflict *types.Conflict) error
	// ResolveConflict marks a conflict resolved. The conflict stays in the
	// inbox: ListConflicts still returns it, with Resolved set.
	ResolveConflict(conflictID string) error
	ListConflicts(resourceType string) ([]*types.Conflict, error)

	// Domain record access, routed through the entity registry by the
	// caller (downloader/orchestrator); localstore stores rows keyed by
	// (tableName, tenantID, entityID).
	GetDomainRecord(tableName, tenantID, entityID string) (*types.DomainRecord, error)
	UpsertDomainRecord(tableName string, record *types.DomainRecord) error
	DeleteDomainRecord(tableName, tenantID, entityID string) error
	ListDomainRecords(tableName, tenantID string) ([]*types.DomainRecord, error)

	Close() error
}
