package downloader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

func newTestDownloader(t *testing.T, strategy CollisionStrategy, handler http.HandlerFunc) (*Downloader, localstore.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	local, err := localstore.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	rest := restclient.NewClient(restclient.Config{SyncBaseURL: server.URL}, nil)
	return NewDownloader(local, rest, nil, strategy), local
}

func TestDownloadAppliesChangesInOrder(t *testing.T) {
	downloader, local := newTestDownloader(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.DownloadResponse{
			CurrentSequence: 2,
			Changes: []*types.ChangeLogEntry{
				{ChangeID: "c1", SequenceNumber: 1, TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1", Operation: types.OpInsert, Data: types.Data{"id": "p1", "name": "Jane"}, Timestamp: time.Now()},
				{ChangeID: "c2", SequenceNumber: 2, TenantID: "t1", EntityType: "clinic.patient", EntityID: "p2", Operation: types.OpInsert, Data: types.Data{"id": "p2", "name": "Bob"}, Timestamp: time.Now()},
			},
		})
	})

	result, err := downloader.Download(context.Background(), "token", "dev-1", "t1", "org1", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Applied != 2 || result.CurrentSequence != 2 {
		t.Fatalf("got %+v", result)
	}

	cursor, err := local.GetCursor("t1")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.LastSyncedSequence != 2 {
		t.Fatalf("got %d want 2", cursor.LastSyncedSequence)
	}
}

func TestDownloadServerWinsCollisionOverwritesPending(t *testing.T) {
	downloader, local := newTestDownloader(t, CollisionServerWins, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.DownloadResponse{
			CurrentSequence: 1,
			Changes: []*types.ChangeLogEntry{
				{ChangeID: "c1", SequenceNumber: 1, TenantID: "t1", OrganizationID: "org1", EntityType: "clinic.patient", EntityID: "p1", Operation: types.OpUpdate, Data: types.Data{"id": "p1", "name": "Server Version"}, Timestamp: time.Now()},
			},
		})
	})

	pending := &types.PendingChange{LocalID: "local-1", TenantID: "t1", OrganizationID: "org1", EntityType: "clinic.patient", EntityID: "p1", CreatedAt: time.Now()}
	if err := local.RecordLocalChange(nil, pending); err != nil {
		t.Fatalf("RecordLocalChange: %v", err)
	}

	result, err := downloader.Download(context.Background(), "token", "dev-1", "t1", "org1", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Collisions != 1 || result.Applied != 1 {
		t.Fatalf("got %+v", result)
	}

	record, err := local.GetDomainRecord("patients", "t1", "p1")
	if err != nil {
		t.Fatalf("GetDomainRecord: %v", err)
	}
	if record.Data["name"] != "Server Version" {
		t.Fatalf("got %v", record.Data["name"])
	}

	found, err := local.PendingForEntity("t1", "org1", "clinic.patient", "p1")
	if err != nil {
		t.Fatalf("PendingForEntity: %v", err)
	}
	if found != nil {
		t.Fatalf("expected pending to be marked synced, got %+v", found)
	}
}

func TestDownloadClientWinsKeepsLocalAndRaisesRetry(t *testing.T) {
	downloader, local := newTestDownloader(t, CollisionClientWins, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(restclient.DownloadResponse{
			CurrentSequence: 1,
			Changes: []*types.ChangeLogEntry{
				{ChangeID: "c1", SequenceNumber: 1, TenantID: "t1", OrganizationID: "org1", EntityType: "clinic.patient", EntityID: "p1", Operation: types.OpUpdate, Data: types.Data{"id": "p1", "name": "Server Version"}, Timestamp: time.Now()},
			},
		})
	})

	pending := &types.PendingChange{LocalID: "local-1", TenantID: "t1", OrganizationID: "org1", EntityType: "clinic.patient", EntityID: "p1", CreatedAt: time.Now()}
	if err := local.RecordLocalChange(nil, pending); err != nil {
		t.Fatalf("RecordLocalChange: %v", err)
	}

	result, err := downloader.Download(context.Background(), "token", "dev-1", "t1", "org1", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if result.Collisions != 1 || result.Applied != 0 {
		t.Fatalf("got %+v", result)
	}

	if _, err := local.GetDomainRecord("patients", "t1", "p1"); err != localstore.ErrNotFound {
		t.Fatalf("expected no domain record written, got %v", err)
	}

	batch, err := local.PendingBatch("t1", 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].RetryCount != 1 {
		t.Fatalf("got %+v", batch)
	}
}
