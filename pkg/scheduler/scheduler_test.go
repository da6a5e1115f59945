package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/downloader"
	"github.com/adrian-moloca/dental-sub010/pkg/entity"
	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/identity"
	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/orchestrator"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/adrian-moloca/dental-sub010/pkg/uploadqueue"
)

type fakeMonitor struct {
	ch chan NetworkState
}

func (f *fakeMonitor) Changes() <-chan NetworkState { return f.ch }

func newTestScheduler(t *testing.T, syncCount *int32) (*Scheduler, *orchestrator.Orchestrator, *fakeMonitor) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sync/upload":
			atomic.AddInt32(syncCount, 1)
			_ = json.NewEncoder(w).Encode(restclient.UploadResponse{})
		case "/sync/download":
			_ = json.NewEncoder(w).Encode(restclient.DownloadResponse{})
		default:
			http.Error(w, "unexpected path", http.StatusNotFound)
		}
	}))
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

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	orch := orchestrator.New(orchestrator.Config{
		Scope:       orchestrator.Scope{TenantID: "t1", OrganizationID: "org1", DeviceID: "dev-1"},
		Identity:    identity.NewManager(rest, secrets, local),
		Local:       local,
		UploadQueue: uploadqueue.NewQueue(local, rest, nil),
		Downloader:  downloader.NewDownloader(local, rest, entity.DefaultRegistry(), downloader.CollisionServerWins),
		Broker:      broker,
		Entities:    entity.DefaultRegistry(),
	})
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pending := &types.PendingChange{LocalID: "local-1", TenantID: "t1", OrganizationID: "org1", EntityType: "clinic.patient", EntityID: "p1", CreatedAt: time.Now()}
	if err := local.RecordLocalChange(nil, pending); err != nil {
		t.Fatalf("RecordLocalChange: %v", err)
	}

	monitor := &fakeMonitor{ch: make(chan NetworkState, 2)}
	return New(orch, monitor), orch, monitor
}

func TestOfflineEventPausesOrchestrator(t *testing.T) {
	var syncCount int32
	sched, orch, monitor := newTestScheduler(t, &syncCount)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	monitor.ch <- NetworkOffline
	deadline := time.Now().Add(time.Second)
	for !orch.Paused() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !orch.Paused() {
		t.Fatal("expected orchestrator to be paused after offline event")
	}
}

func TestOnlineRecoveryResumesAndTriggersSync(t *testing.T) {
	var syncCount int32
	sched, orch, monitor := newTestScheduler(t, &syncCount)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	monitor.ch <- NetworkOffline
	deadline := time.Now().Add(time.Second)
	for !orch.Paused() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	monitor.ch <- NetworkOnline
	deadline = time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&syncCount) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&syncCount) == 0 {
		t.Fatal("expected a sync to have run after recovery")
	}
	if orch.Paused() {
		t.Fatal("expected orchestrator to be resumed")
	}
}
