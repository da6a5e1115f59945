// Package uploadqueue implements the Upload Queue: enqueueing
// locally-originated changes and posting them to the server in batches,
// ordered by creation time, with reentrancy protection via a boolean
// guard: re-entry returns a no-op with zero counters.
package uploadqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// sealedDataKey is the single field a sealed Data map carries: the
// base64-encoded AES-256-GCM ciphertext of the original JSON body
// (DESIGN.md Open Question decision #1).
const sealedDataKey = "_ciphertext"

// MaxBatchSize is the upper bound on rows read per batch (at most 50).
const MaxBatchSize = 50

// MaxRetries is the retry_count threshold past which a pending row is
// surfaced as a permanent failure requiring user intervention.
const MaxRetries = 10

// Result summarizes one process_batch call.
type Result struct {
	Attempted       int
	Accepted        int
	Rejected        int
	PermanentFailed []*types.PendingChange
	Skipped         bool // true when a concurrent call was already in flight
}

// Queue is the Upload Queue for a single device/tenant scope.
type Queue struct {
	local    localstore.Store
	rest     *restclient.Client
	envelope *security.Envelope
	inFlight atomic.Bool
}

// NewQueue wires a Queue against its Local Store and REST collaborators.
// envelope may be nil, in which case pending rows are stored as plaintext
// JSON (the pre-key-provisioning window before a device has registered);
// once the device's encryption_key exists, the composition root should
// always supply one (DESIGN.md Open Question decision #1).
func NewQueue(local localstore.Store, rest *restclient.Client, envelope *security.Envelope) *Queue {
	return &Queue{local: local, rest: rest, envelope: envelope}
}

// Enqueue creates a pending-changes row and returns immediately (spec
// §4.4 "enqueue(change) creates a pending-changes row and returns"). When
// the Queue holds a device encryption key, Data/PreviousData are sealed
// with AES-256-GCM before the row ever reaches the Local Store.
func (q *Queue) Enqueue(record *types.DomainRecord, pending *types.PendingChange) error {
	if q.envelope != nil {
		sealed, err := q.sealPending(pending)
		if err != nil {
			return fmt.Errorf("uploadqueue: failed to seal pending change: %w", err)
		}
		pending = sealed
	}
	if err := q.local.RecordLocalChange(record, pending); err != nil {
		return fmt.Errorf("uploadqueue: enqueue failed: %w", err)
	}
	metrics.PendingChangesGauge.Inc()
	return nil
}

// sealPending returns a copy of pending with Data/PreviousData replaced
// by their AES-256-GCM ciphertext.
func (q *Queue) sealPending(pending *types.PendingChange) (*types.PendingChange, error) {
	sealedData, err := q.sealField(pending.Data)
	if err != nil {
		return nil, err
	}
	sealedPrevious, err := q.sealField(pending.PreviousData)
	if err != nil {
		return nil, err
	}
	copied := *pending
	copied.Data = sealedData
	copied.PreviousData = sealedPrevious
	copied.Sealed = true
	return &copied, nil
}

func (q *Queue) sealField(data types.Data) (types.Data, error) {
	if data == nil {
		return nil, nil
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field: %w", err)
	}
	ciphertext, err := q.envelope.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal field: %w", err)
	}
	return types.Data{sealedDataKey: base64.StdEncoding.EncodeToString(ciphertext)}, nil
}

// openField reverses sealField. Callers must only pass data produced by a
// Queue with the matching encryption key.
func (q *Queue) openField(data types.Data) (types.Data, error) {
	if data == nil {
		return nil, nil
	}
	encoded, ok := data[sealedDataKey].(string)
	if !ok {
		return data, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed field: %w", err)
	}
	plaintext, err := q.envelope.Open(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed field: %w", err)
	}
	var out types.Data
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sealed field: %w", err)
	}
	return out, nil
}

// unsealForUpload returns a batch suitable for transmission: rows marked
// Sealed get a decrypted Data/PreviousData copy (the server speaks
// plaintext JSON), everything else passes through unchanged. The rows
// passed in are never mutated, since FinalizeBatch/retry bookkeeping still
// needs the original sealed representation that lives in the Local Store.
func (q *Queue) unsealForUpload(batch []*types.PendingChange) ([]*types.PendingChange, error) {
	if q.envelope == nil {
		return batch, nil
	}
	out := make([]*types.PendingChange, len(batch))
	for i, p := range batch {
		if !p.Sealed {
			out[i] = p
			continue
		}
		data, err := q.openField(p.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to open pending change %s: %w", p.LocalID, err)
		}
		previous, err := q.openField(p.PreviousData)
		if err != nil {
			return nil, fmt.Errorf("failed to open pending change %s: %w", p.LocalID, err)
		}
		copied := *p
		copied.Data = data
		copied.PreviousData = previous
		copied.Sealed = false
		out[i] = &copied
	}
	return out, nil
}

// ProcessBatch runs one upload cycle. A second concurrent call while one
// is already running returns a no-op Result with Skipped=true and every
// counter at zero, via the boolean-guard reentrancy contract above; this
// is local to the Queue instance, not a distributed lock.
func (q *Queue) ProcessBatch(ctx context.Context, deviceBearer, deviceID, tenantID, organizationID, clinicID string) (Result, error) {
	if !q.inFlight.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer q.inFlight.Store(false)

	logger := log.WithComponent("uploadqueue")
	timer := metrics.NewTimer()

	batch, err := q.local.PendingBatch(tenantID, MaxBatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("uploadqueue: failed to load pending batch: %w", err)
	}
	if len(batch) == 0 {
		return Result{}, nil
	}

	cursor, err := q.local.GetCursor(tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("uploadqueue: failed to read cursor: %w", err)
	}

	outbound, err := q.unsealForUpload(batch)
	if err != nil {
		return Result{}, fmt.Errorf("uploadqueue: failed to prepare batch for upload: %w", err)
	}

	resp, err := q.rest.Upload(ctx, deviceBearer, deviceID, restclient.UploadRequest{
		DeviceID:       deviceID,
		TenantID:       tenantID,
		OrganizationID: organizationID,
		ClinicID:       clinicID,
		LastSequence:   cursor.LastSyncedSequence,
		Changes:        outbound,
		Timestamp:      time.Now(),
	})
	if err != nil {
		metrics.ChangesUploadedTotal.WithLabelValues("transient_error").Add(float64(len(batch)))
		return Result{}, fmt.Errorf("uploadqueue: upload request failed: %w", err)
	}

	accepted := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
	}

	var rejectedRows []*types.PendingChange
	var permanentlyFailed []*types.PendingChange
	for _, p := range batch {
		if accepted[p.LocalID] {
			continue
		}
		p.RetryCount++
		p.LastError = "rejected by server"
		if p.RetryCount >= MaxRetries {
			permanentlyFailed = append(permanentlyFailed, p)
		}
		rejectedRows = append(rejectedRows, p)
	}

	if err := q.local.FinalizeBatch(resp.Accepted, rejectedRows); err != nil {
		return Result{}, fmt.Errorf("uploadqueue: failed to finalize batch: %w", err)
	}
	metrics.PendingChangesGauge.Sub(float64(len(resp.Accepted)))

	if resp.NewSequence > cursor.LastSyncedSequence {
		if err := q.local.AdvanceCursor(tenantID, resp.NewSequence); err != nil {
			return Result{}, fmt.Errorf("uploadqueue: failed to advance cursor: %w", err)
		}
	}

	timer.ObserveDuration(metrics.SyncCycleDuration)
	metrics.ChangesUploadedTotal.WithLabelValues("accepted").Add(float64(len(resp.Accepted)))
	metrics.ChangesUploadedTotal.WithLabelValues("rejected").Add(float64(len(rejectedRows)))

	if len(permanentlyFailed) > 0 {
		logger.Error().Int("count", len(permanentlyFailed)).Msg("pending changes exceeded retry threshold, require user intervention")
	}

	return Result{
		Attempted:       len(batch),
		Accepted:        len(resp.Accepted),
		Rejected:        len(rejectedRows),
		PermanentFailed: permanentlyFailed,
	}, nil
}
