package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterDeviceSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("missing user bearer header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterDeviceResponse{DeviceID: "dev-1", DeviceAccessToken: "tok"})
	}))
	defer server.Close()

	client := NewClient(Config{AuthBaseURL: server.URL}, nil)
	resp, err := client.RegisterDevice(context.Background(), "user-token", RegisterDeviceRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if resp.DeviceID != "dev-1" || resp.DeviceAccessToken != "tok" {
		t.Fatalf("got %+v", resp)
	}
}

func TestUploadSendsDeviceHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-device-id") != "dev-1" {
			t.Errorf("missing x-device-id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(UploadResponse{NewSequence: 7})
	}))
	defer server.Close()

	client := NewClient(Config{SyncBaseURL: server.URL}, nil)
	resp, err := client.Upload(context.Background(), "device-token", "dev-1", UploadRequest{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if resp.NewSequence != 7 {
		t.Fatalf("got %d want 7", resp.NewSequence)
	}
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{SyncBaseURL: server.URL}, nil)
	_, err := client.Download(context.Background(), "device-token", "dev-1", 0, 50)
	if err != ErrUnauthorized {
		t.Fatalf("got %v want ErrUnauthorized", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a 401, got %d", calls)
	}
}

func TestServerErrorIsRetriedThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(UpdateCheckResult{Version: "2.0.0", Available: true})
	}))
	defer server.Close()

	client := NewClient(Config{UpdateBaseURL: server.URL}, nil)
	result, err := client.CheckForUpdates(context.Background(), "linux", "amd64", "1.0.0", "stable")
	if err != nil {
		t.Fatalf("CheckForUpdates: %v", err)
	}
	if result.Version != "2.0.0" {
		t.Fatalf("got %q", result.Version)
	}
	if calls < 2 {
		t.Fatalf("expected at least one retry, got %d calls", calls)
	}
}

func TestClientRejectedErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer server.Close()

	client := NewClient(Config{AuthBaseURL: server.URL}, nil)
	_, err := client.Login(context.Background(), LoginRequest{DeviceID: "dev-1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	serverErr, ok := err.(*ErrServer)
	if !ok {
		t.Fatalf("got %T want *ErrServer", err)
	}
	if serverErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d", serverErr.StatusCode)
	}
}
