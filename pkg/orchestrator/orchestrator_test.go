package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/downloader"
	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/identity"
	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/merge"
	"github.com/adrian-moloca/dental-sub010/pkg/presence"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/adrian-moloca/dental-sub010/pkg/uploadqueue"
)

func newTestOrchestrator(t *testing.T, handler http.HandlerFunc) *Orchestrator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	rest := restclient.NewClient(restclient.Config{SyncBaseURL: server.URL, AuthBaseURL: server.URL}, nil)

	masterKey, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	secrets, err := secretstore.NewFileStore(filepath.Join(t.TempDir(), "secrets.json"), masterKey)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	local, err := localstore.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	scope := secretstore.Scope{TenantID: "t1", OrganizationID: "org1", DeviceID: "dev-1"}
	if err := secrets.Save(scope, types.DeviceSecrets{DeviceAccessToken: "access-token"}); err != nil {
		t.Fatalf("Save secrets: %v", err)
	}
	if err := local.SaveDevice(&types.DeviceIdentity{DeviceID: "dev-1", TenantID: "t1", OrganizationID: "org1"}); err != nil {
		t.Fatalf("SaveDevice: %v", err)
	}

	idMgr := identity.NewManager(rest, secrets, local)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(Config{
		Scope:         Scope{TenantID: "t1", OrganizationID: "org1", DeviceID: "dev-1"},
		Identity:      idMgr,
		Local:         local,
		UploadQueue:   uploadqueue.NewQueue(local, rest, nil),
		Downloader:    downloader.NewDownloader(local, rest, entity.DefaultRegistry(), downloader.CollisionServerWins),
		Broker:        broker,
		Entities:      entity.DefaultRegistry(),
		MergeStrategy: merge.StrategyLastWriterWins,
	})
}

func emptySyncHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/sync/upload":
		_ = json.NewEncoder(w).Encode(restclient.UploadResponse{Accepted: nil, Rejected: nil, NewSequence: 0})
	case "/sync/download":
		_ = json.NewEncoder(w).Encode(restclient.DownloadResponse{Changes: nil, CurrentSequence: 0})
	default:
		http.Error(w, "unexpected path", http.StatusNotFound)
	}
}

func TestTriggerSyncBeforeInitializeFails(t *testing.T) {
	o := newTestOrchestrator(t, emptySyncHandler)
	if _, err := o.TriggerSync(context.Background()); err != ErrNotInitialized {
		t.Fatalf("got %v", err)
	}
}

func TestTriggerSyncWhilePausedFails(t *testing.T) {
	o := newTestOrchestrator(t, emptySyncHandler)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	o.Pause()
	if _, err := o.TriggerSync(context.Background()); err != ErrPaused {
		t.Fatalf("got %v", err)
	}
}

func TestTriggerSyncSucceedsThenRateLimits(t *testing.T) {
	o := newTestOrchestrator(t, emptySyncHandler)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	status, err := o.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync: %v", err)
	}
	if status.Uploaded != 0 || status.Downloaded != 0 {
		t.Fatalf("got %+v", status)
	}

	if _, err := o.TriggerSync(context.Background()); err != ErrRateLimited {
		t.Fatalf("got %v", err)
	}
}

func TestHandlePatchAutoResolvesAndWritesRecord(t *testing.T) {
	o := newTestOrchestrator(t, emptySyncHandler)

	patch := types.PatchEnvelope{
		ResourceType:   "clinic.patient",
		ResourceID:     "p1",
		TenantID:       "t1",
		OrganizationID: "org1",
		Version:        1,
		Timestamp:      time.Now(),
		Patch:          types.Data{"id": "p1", "name": "Jane"},
	}
	if err := o.handlePatch(patch); err != nil {
		t.Fatalf("handlePatch: %v", err)
	}

	record, err := o.local.GetDomainRecord("patients", "t1", "p1")
	if err != nil {
		t.Fatalf("GetDomainRecord: %v", err)
	}
	if record.Data["name"] != "Jane" {
		t.Fatalf("got %+v", record.Data)
	}
}

func TestHandlePatchFilesConflictOnManualStrategy(t *testing.T) {
	o := newTestOrchestrator(t, emptySyncHandler)
	o.strategy = merge.StrategyManual

	seed := &types.DomainRecord{
		TenantID: "t1", EntityType: "clinic.patient", EntityID: "p1",
		Data: types.Data{"id": "p1", "name": "Local Name"},
		Meta: types.CRDTMeta{Version: 1, UpdatedAt: time.Now()},
	}
	if err := o.local.UpsertDomainRecord("patients", seed); err != nil {
		t.Fatalf("UpsertDomainRecord: %v", err)
	}

	patch := types.PatchEnvelope{
		ResourceType:   "clinic.patient",
		ResourceID:     "p1",
		TenantID:       "t1",
		OrganizationID: "org1",
		Version:        2,
		Timestamp:      time.Now(),
		Patch:          types.Data{"id": "p1", "name": "Remote Name"},
	}
	if err := o.handlePatch(patch); err != nil {
		t.Fatalf("handlePatch: %v", err)
	}

	conflicts, err := o.local.ListConflicts("clinic.patient")
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts", len(conflicts))
	}
}
