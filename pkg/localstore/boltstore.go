package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// entityTables resolves a domain record's entity_type to its Local Store
// table name. The default clinic registry covers every entity kind the
// client knows about; callers that register custom entity kinds at
// runtime would need a store constructed with their own registry, which
// BoltStore does not support.
var entityTables = entity.DefaultRegistry()

var (
	bucketDevices        = []byte("devices")
	bucketChangelog      = []byte("changelog")
	bucketChangelogSeen  = []byte("changelog_seen")
	bucketPendingChanges = []byte("pending_changes")
	bucketPendingByLocal = []byte("pending_by_local")
	bucketSyncCursors    = []byte("sync_cursors")
	bucketConflicts      = []byte("conflicts")
)

// BoltStore implements Store using an embedded BoltDB (bbolt) file. Domain
// tables are created on demand as top-level buckets named after the
// entity adapter's TableName.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a BoltDB-backed Local Store at
// <dataDir>/sync.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sync.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("localstore: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketDevices, bucketChangelog, bucketChangelogSeen,
			bucketPendingChanges, bucketPendingByLocal,
			bucketSyncCursors, bucketConflicts,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- key encodings ---

func changelogKey(tenantID string, seq uint64) []byte {
	key := make([]byte, 0, len(tenantID)+1+8)
	key = append(key, tenantID...)
	key = append(key, 0)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(key, seqBytes...)
}

func changelogSeenKey(entityType, entityID string, seq uint64) []byte {
	key := []byte(entityType + "\x00" + entityID + "\x00")
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(key, seqBytes...)
}

func pendingKey(tenantID string, createdAt time.Time, localID string) []byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(createdAt.UnixNano()))
	key := []byte(tenantID + "\x00")
	key = append(key, ts...)
	key = append(key, '\x00')
	return append(key, localID...)
}

func domainKey(tenantID, entityID string) []byte {
	return []byte(tenantID + "\x00" + entityID)
}

// --- devices ---

func (s *BoltStore) SaveDevice(device *types.DeviceIdentity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDevices).Put([]byte(device.DeviceID), data)
	})
}

func (s *BoltStore) GetDevice(deviceID string) (*types.DeviceIdentity, error) {
	var device types.DeviceIdentity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(deviceID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) DeleteDevice(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(deviceID))
	})
}

// --- sync cursors ---

func (s *BoltStore) GetCursor(tenantID string) (*types.SyncCursor, error) {
	var cursor types.SyncCursor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncCursors).Get([]byte(tenantID))
		if data == nil {
			cursor = types.SyncCursor{TenantID: tenantID}
			return nil
		}
		return json.Unmarshal(data, &cursor)
	})
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (s *BoltStore) AdvanceCursor(tenantID string, sequence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCursor(tx, tenantID, sequence)
	})
}

func putCursor(tx *bolt.Tx, tenantID string, sequence uint64) error {
	current, err := getCursorTx(tx, tenantID)
	if err != nil {
		return err
	}
	// Invariant: the cursor MUST advance monotonically and never
	// regress.
	if sequence <= current.LastSyncedSequence {
		return nil
	}
	current.LastSyncedSequence = sequence
	current.LastSyncedAt = time.Now()
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSyncCursors).Put([]byte(tenantID), data)
}

func getCursorTx(tx *bolt.Tx, tenantID string) (*types.SyncCursor, error) {
	data := tx.Bucket(bucketSyncCursors).Get([]byte(tenantID))
	if data == nil {
		return &types.SyncCursor{TenantID: tenantID}, nil
	}
	var cursor types.SyncCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// --- pending changes / upload queue ---

func (s *BoltStore) RecordLocalChange(record *types.DomainRecord, pending *types.PendingChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if record != nil {
			adapter, ok := entityTables.Lookup(record.EntityType)
			if !ok {
				return fmt.Errorf("localstore: unknown entity type %q", record.EntityType)
			}
			if err := upsertDomainRecordTx(tx, adapter.TableName(), record); err != nil {
				return err
			}
		}
		return putPendingTx(tx, pending)
	})
}

func putPendingTx(tx *bolt.Tx, pending *types.PendingChange) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	key := pendingKey(pending.TenantID, pending.CreatedAt, pending.LocalID)
	if err := tx.Bucket(bucketPendingChanges).Put(key, data); err != nil {
		return err
	}
	return tx.Bucket(bucketPendingByLocal).Put([]byte(pending.LocalID), key)
}

func (s *BoltStore) PendingBatch(tenantID string, limit int) ([]*types.PendingChange, error) {
	var out []*types.PendingChange
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingChanges).Cursor()
		prefix := []byte(tenantID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p types.PendingChange
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Synced {
				continue
			}
			out = append(out, &p)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) PendingForEntity(tenantID, organizationID, entityType, entityID string) (*types.PendingChange, error) {
	var found *types.PendingChange
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingChanges).Cursor()
		prefix := []byte(tenantID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p types.PendingChange
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Synced {
				continue
			}
			if p.OrganizationID == organizationID && p.EntityType == entityType && p.EntityID == entityID {
				found = &p
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *BoltStore) FinalizeBatch(accepted []string, rejected []*types.PendingChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, localID := range accepted {
			if err := deletePendingTx(tx, localID); err != nil {
				return err
			}
		}
		for _, p := range rejected {
			if err := putPendingTx(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) MarkPendingOverwritten(localID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketPendingByLocal).Get([]byte(localID))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketPendingChanges).Get(key)
		if data == nil {
			return nil
		}
		var p types.PendingChange
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Synced = true
		return putPendingTx(tx, &p)
	})
}

func (s *BoltStore) DeleteSyncedPending(tenantID string) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingChanges).Cursor()
		prefix := []byte(tenantID + "\x00")
		var toDelete []string
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p types.PendingChange
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Synced {
				toDelete = append(toDelete, p.LocalID)
			}
		}
		for _, localID := range toDelete {
			if err := deletePendingTx(tx, localID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func deletePendingTx(tx *bolt.Tx, localID string) error {
	byLocal := tx.Bucket(bucketPendingByLocal)
	key := byLocal.Get([]byte(localID))
	if key == nil {
		return nil
	}
	if err := tx.Bucket(bucketPendingChanges).Delete(key); err != nil {
		return err
	}
	return byLocal.Delete([]byte(localID))
}

// --- change log / remote apply ---

func (s *BoltStore) ApplyRemoteChange(entry *types.ChangeLogEntry, cursorSequence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		seenKey := changelogSeenKey(entry.EntityType, entry.EntityID, entry.SequenceNumber)
		if tx.Bucket(bucketChangelogSeen).Get(seenKey) != nil {
			// Idempotent re-delivery: applying the same remote change twice
			// is a no-op.
			return nil
		}

		logKey := changelogKey(entry.TenantID, entry.SequenceNumber)
		if tx.Bucket(bucketChangelog).Get(logKey) != nil {
			return ErrDuplicateSequence
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketChangelog).Put(logKey, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketChangelogSeen).Put(seenKey, logKey); err != nil {
			return err
		}

		adapter, ok := entityTables.Lookup(entry.EntityType)
		if !ok {
			return fmt.Errorf("localstore: unknown entity type %q", entry.EntityType)
		}
		switch entry.Operation {
		case types.OpDelete:
			b, err := tx.CreateBucketIfNotExists([]byte(adapter.TableName()))
			if err != nil {
				return err
			}
			if err := b.Delete(domainKey(entry.TenantID, entry.EntityID)); err != nil {
				return err
			}
		default:
			record := &types.DomainRecord{
				TenantID:       entry.TenantID,
				OrganizationID: entry.OrganizationID,
				ClinicID:       entry.ClinicID,
				EntityType:     entry.EntityType,
				EntityID:       entry.EntityID,
				Data:           entry.Data,
				Meta: types.CRDTMeta{
					Version:   entry.SequenceNumber,
					UpdatedAt: entry.Timestamp,
					ActorID:   entry.SourceDeviceID,
				},
			}
			if err := upsertDomainRecordTx(tx, adapter.TableName(), record); err != nil {
				return err
			}
		}

		return putCursor(tx, entry.TenantID, cursorSequence)
	})
}

func (s *BoltStore) HasAppliedSequence(entityType, entityID string, sequenceNumber uint64) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketChangelogSeen).Get(changelogSeenKey(entityType, entityID, sequenceNumber)) != nil
		return nil
	})
	return seen, err
}

// --- merge outcomes ---

func (s *BoltStore) ApplyMergedRecord(record *types.DomainRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		adapter, ok := entityTables.Lookup(record.EntityType)
		if !ok {
			return fmt.Errorf("localstore: unknown entity type %q", record.EntityType)
		}
		return upsertDomainRecordTx(tx, adapter.TableName(), record)
	})
}

func (s *BoltStore) FileConflict(conflict *types.Conflict) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(conflict)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConflicts).Put([]byte(conflict.ID), data)
	})
}

func (s *BoltStore) ResolveConflict(conflictID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConflicts)
		data := b.Get([]byte(conflictID))
		if data == nil {
			return ErrNotFound
		}
		var c types.Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		c.Resolved = true
		out, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(conflictID), out)
	})
}

func (s *BoltStore) ListConflicts(resourceType string) ([]*types.Conflict, error) {
	var out []*types.Conflict
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(_, v []byte) error {
			var c types.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if resourceType == "" || c.ResourceType == resourceType {
				out = append(out, &c)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// --- domain records ---

func upsertDomainRecordTx(tx *bolt.Tx, tableName string, record *types.DomainRecord) error {
	b, err := tx.CreateBucketIfNotExists([]byte(tableName))
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put(domainKey(record.TenantID, record.EntityID), data)
}

func (s *BoltStore) UpsertDomainRecord(tableName string, record *types.DomainRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return upsertDomainRecordTx(tx, tableName, record)
	})
}

func (s *BoltStore) GetDomainRecord(tableName, tenantID, entityID string) (*types.DomainRecord, error) {
	var record types.DomainRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return ErrNotFound
		}
		data := b.Get(domainKey(tenantID, entityID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) DeleteDomainRecord(tableName, tenantID, entityID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(tableName))
		if err != nil {
			return err
		}
		return b.Delete(domainKey(tenantID, entityID))
	})
}

func (s *BoltStore) ListDomainRecords(tableName, tenantID string) ([]*types.DomainRecord, error) {
	var out []*types.DomainRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tableName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(tenantID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var r types.DomainRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

var _ Store = (*BoltStore)(nil)
