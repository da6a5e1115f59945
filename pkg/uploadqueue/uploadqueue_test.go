package uploadqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

func newTestQueue(t *testing.T, handler http.HandlerFunc) (*Queue, localstore.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	local, err := localstore.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	rest := restclient.NewClient(restclient.Config{SyncBaseURL: server.URL}, nil)
	return NewQueue(local, rest, nil), local
}

func seedPending(t *testing.T, local localstore.Store, localID, tenantID string) {
	t.Helper()
	pending := &types.PendingChange{
		LocalID: localID, TenantID: tenantID, EntityType: "clinic.patient", EntityID: localID,
		Operation: types.OpInsert, CreatedAt: time.Now(),
	}
	if err := local.RecordLocalChange(nil, pending); err != nil {
		t.Fatalf("RecordLocalChange: %v", err)
	}
}

func TestProcessBatchAcceptsAllAndAdvancesCursor(t *testing.T) {
	queue, local := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		var req restclient.UploadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		accepted := make([]string, len(req.Changes))
		for i, c := range req.Changes {
			accepted[i] = c.LocalID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.UploadResponse{Accepted: accepted, NewSequence: 10})
	})

	seedPending(t, local, "a", "t1")
	seedPending(t, local, "b", "t1")

	result, err := queue.ProcessBatch(context.Background(), "token", "dev-1", "t1", "org1", "")
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Accepted != 2 || result.Rejected != 0 {
		t.Fatalf("got %+v", result)
	}

	batch, err := local.PendingBatch("t1", 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected all pending rows cleared, got %d", len(batch))
	}

	cursor, err := local.GetCursor("t1")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.LastSyncedSequence != 10 {
		t.Fatalf("got %d want 10", cursor.LastSyncedSequence)
	}
}

func TestProcessBatchRejectedRowsIncrementRetryCount(t *testing.T) {
	queue, local := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.UploadResponse{Accepted: nil, NewSequence: 0})
	})

	seedPending(t, local, "a", "t1")

	result, err := queue.ProcessBatch(context.Background(), "token", "dev-1", "t1", "org1", "")
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if result.Rejected != 1 {
		t.Fatalf("got %+v", result)
	}

	batch, err := local.PendingBatch("t1", 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].RetryCount != 1 {
		t.Fatalf("got %+v", batch)
	}
}

func TestProcessBatchConcurrentCallIsSkipped(t *testing.T) {
	release := make(chan struct{})
	queue, local := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.UploadResponse{Accepted: []string{"a"}, NewSequence: 1})
	})
	seedPending(t, local, "a", "t1")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := queue.ProcessBatch(context.Background(), "token", "dev-1", "t1", "org1", "")
		if err != nil {
			t.Errorf("ProcessBatch: %v", err)
		}
		results[0] = r
	}()

	time.Sleep(20 * time.Millisecond)

	go func() {
		defer wg.Done()
		r, err := queue.ProcessBatch(context.Background(), "token", "dev-1", "t1", "org1", "")
		if err != nil {
			t.Errorf("ProcessBatch: %v", err)
		}
		results[1] = r
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	skipped := results[0].Skipped || results[1].Skipped
	if !skipped {
		t.Fatal("expected one of the two concurrent calls to be skipped")
	}
}

func TestEnqueueSealsDataAndUploadSendsPlaintext(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	envelope, err := security.NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var sawData types.Data
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req restclient.UploadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Changes) == 1 {
			sawData = req.Changes[0].Data
		}
		accepted := make([]string, len(req.Changes))
		for i, c := range req.Changes {
			accepted[i] = c.LocalID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.UploadResponse{Accepted: accepted, NewSequence: 1})
	}))
	t.Cleanup(server.Close)

	local, err := localstore.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	rest := restclient.NewClient(restclient.Config{SyncBaseURL: server.URL}, nil)
	queue := NewQueue(local, rest, envelope)

	record := &types.DomainRecord{TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1", Data: types.Data{"name": "Jane"}}
	pending := &types.PendingChange{LocalID: "local-1", TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1", Data: types.Data{"name": "Jane"}, CreatedAt: time.Now()}
	if err := queue.Enqueue(record, pending); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stored, err := local.PendingBatch("t1", 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(stored) != 1 || !stored[0].Sealed {
		t.Fatalf("expected one sealed pending row, got %+v", stored)
	}
	if _, ok := stored[0].Data["name"]; ok {
		t.Fatal("expected Data to be sealed, not plaintext, at rest")
	}

	if _, err := queue.ProcessBatch(context.Background(), "token", "dev-1", "t1", "org1", ""); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if sawData["name"] != "Jane" {
		t.Fatalf("expected server to receive plaintext data, got %+v", sawData)
	}
}

func TestEnqueueRecordsPendingRow(t *testing.T) {
	queue, local := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {})

	record := &types.DomainRecord{TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1", Data: types.Data{"id": "p1"}}
	pending := &types.PendingChange{LocalID: "local-1", TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1", CreatedAt: time.Now()}

	if err := queue.Enqueue(record, pending); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := local.PendingBatch("t1", 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d want 1", len(batch))
	}
}
