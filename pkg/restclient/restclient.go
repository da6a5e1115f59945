// Package restclient wraps the HTTP/JSON APIs consumed by the sync core:
// device registration and auth, change upload/download, device revocation,
// and the update service. One method per endpoint, over net/http since the
// wire contract here is HTTP/JSON rather than RPC.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/cenkalti/backoff/v4"
)

// ErrUnauthorized is returned when a device-authenticated call gets a 401,
// the "auth-expired" error kind.
var ErrUnauthorized = errors.New("restclient: unauthorized")

// ErrServer wraps a non-2xx, non-401 response.
type ErrServer struct {
	StatusCode int
	Body       string
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("restclient: server responded %d: %s", e.StatusCode, e.Body)
}

const defaultTimeout = 10 * time.Second

// Config names the four base URLs the core talks to.
type Config struct {
	SyncBaseURL     string
	AuthBaseURL     string
	RealtimeBaseURL string
	UpdateBaseURL   string
}

// Client is a thin HTTP/JSON client with bearer-token injection and
// bounded exponential-backoff retry on transient network failures.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient builds a Client against cfg. httpClient may be nil, in which
// case a client with defaultTimeout is used.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// RegisterDeviceRequest/Response model POST /devices/register.
type RegisterDeviceRequest struct {
	TenantID       string            `json:"tenantId"`
	OrganizationID string            `json:"organizationId"`
	ClinicID       string            `json:"clinicId,omitempty"`
	UserID         string            `json:"userId"`
	Metadata       map[string]string `json:"metadata"`
}

type RegisterDeviceResponse struct {
	DeviceID          string `json:"deviceId"`
	DeviceAccessToken string `json:"deviceAccessToken"`
}

func (c *Client) RegisterDevice(ctx context.Context, userBearer string, req RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	var resp RegisterDeviceResponse
	err := c.doJSON(ctx, http.MethodPost, c.cfg.AuthBaseURL+"/devices/register", userBearer, req, &resp)
	return &resp, err
}

// LoginRequest/Response model POST /auth/device/login.
type LoginRequest struct {
	DeviceID          string `json:"deviceId"`
	DeviceAccessToken string `json:"deviceAccessToken"`
	TenantID          string `json:"tenantId"`
	OrganizationID    string `json:"organizationId"`
	ClinicID          string `json:"clinicId,omitempty"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	var resp TokenPair
	err := c.doJSON(ctx, http.MethodPost, c.cfg.AuthBaseURL+"/auth/device/login", "", req, &resp)
	return &resp, err
}

// RefreshRequest models POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken   string `json:"refreshToken"`
	OrganizationID string `json:"organizationId"`
}

func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (*TokenPair, error) {
	var resp TokenPair
	err := c.doJSON(ctx, http.MethodPost, c.cfg.AuthBaseURL+"/auth/refresh", "", req, &resp)
	return &resp, err
}

// UploadRequest/Response model POST /sync/upload.
type UploadRequest struct {
	DeviceID       string                  `json:"deviceId"`
	TenantID       string                  `json:"tenantId"`
	OrganizationID string                  `json:"organizationId"`
	ClinicID       string                  `json:"clinicId,omitempty"`
	LastSequence   uint64                  `json:"lastSequence"`
	Changes        []*types.PendingChange  `json:"changes"`
	Timestamp      time.Time               `json:"timestamp"`
}

// UploadResponse reports outcomes by explicit LocalID set rather than by
// the server's "first k rows accepted" count. This is equivalent only if
// Accepted is always a created_at-ordered prefix of the submitted
// batch's LocalIDs. uploadqueue.ProcessBatch does not depend on the order:
// every submitted LocalID absent from Accepted is treated as rejected.
type UploadResponse struct {
	Accepted    []string `json:"accepted"`
	Rejected    []string `json:"rejected"`
	NewSequence uint64   `json:"newSequence"`
}

func (c *Client) Upload(ctx context.Context, deviceBearer, deviceID string, req UploadRequest) (*UploadResponse, error) {
	var resp UploadResponse
	err := c.doJSONWithDeviceHeader(ctx, http.MethodPost, c.cfg.SyncBaseURL+"/sync/upload", deviceBearer, deviceID, req, &resp)
	return &resp, err
}

// DownloadResponse models GET /sync/download.
type DownloadResponse struct {
	Changes        []*types.ChangeLogEntry `json:"changes"`
	CurrentSequence uint64                 `json:"currentSequence"`
}

func (c *Client) Download(ctx context.Context, deviceBearer, deviceID string, sinceSequence uint64, limit int) (*DownloadResponse, error) {
	url := fmt.Sprintf("%s/sync/download?sinceSequence=%d&limit=%d", c.cfg.SyncBaseURL, sinceSequence, limit)
	var resp DownloadResponse
	err := c.doJSONWithDeviceHeader(ctx, http.MethodGet, url, deviceBearer, deviceID, nil, &resp)
	return &resp, err
}

// RevokeDevice calls POST /devices/{deviceId}/revoke.
func (c *Client) RevokeDevice(ctx context.Context, deviceBearer, deviceID string) error {
	url := fmt.Sprintf("%s/devices/%s/revoke", c.cfg.AuthBaseURL, deviceID)
	return c.doJSONWithDeviceHeader(ctx, http.MethodPost, url, deviceBearer, deviceID, struct{}{}, nil)
}

// DifferentialPatch describes a binary patch from a specific base version,
// preferred over the full package when present.
type DifferentialPatch struct {
	FromVersion string `json:"fromVersion"`
	DownloadURL string `json:"downloadUrl"`
	Checksum    string `json:"checksum"`
	Signature   string `json:"signature"`
}

// UpdateCheckResult models the response to GET /updates/latest.
type UpdateCheckResult struct {
	Version            string             `json:"version"`
	Available          bool               `json:"available"`
	Mandatory          bool               `json:"mandatory"`
	DownloadURL        string             `json:"downloadUrl"`
	Checksum           string             `json:"checksum"`
	Signature          string             `json:"signature"`
	ReleaseNotesURL    string             `json:"releaseNotesUrl,omitempty"`
	DifferentialPatch  *DifferentialPatch `json:"differentialPatch,omitempty"`
}

func (c *Client) CheckForUpdates(ctx context.Context, platform, arch, currentVersion, channel string) (*UpdateCheckResult, error) {
	url := fmt.Sprintf("%s/updates/latest?platform=%s&arch=%s&currentVersion=%s&channel=%s",
		c.cfg.UpdateBaseURL, platform, arch, currentVersion, channel)
	var resp UpdateCheckResult
	err := c.doJSON(ctx, http.MethodGet, url, "", nil, &resp)
	return &resp, err
}

// RegisterInstallationRequest models POST /updates/register-installation.
type RegisterInstallationRequest struct {
	DeviceID    string            `json:"deviceId"`
	FromVersion string            `json:"fromVersion"`
	ToVersion   string            `json:"toVersion"`
	Platform    string            `json:"platform"`
	Arch        string            `json:"arch"`
	EventType   string            `json:"eventType"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (c *Client) RegisterInstallation(ctx context.Context, req RegisterInstallationRequest) error {
	return c.doJSON(ctx, http.MethodPost, c.cfg.UpdateBaseURL+"/updates/register-installation", "", req, nil)
}

// doJSON performs a single HTTP round trip with JSON request/response
// bodies, wrapped in bounded exponential backoff for transient network
// failures.
func (c *Client) doJSON(ctx context.Context, method, url, bearer string, body, out any) error {
	return c.doJSONWithDeviceHeader(ctx, method, url, bearer, "", body, out)
}

func (c *Client) doJSONWithDeviceHeader(ctx context.Context, method, url, bearer, deviceID string, body, out any) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		var bodyReader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("restclient: encode request: %w", err))
			}
			bodyReader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("restclient: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if deviceID != "" {
			req.Header.Set("x-device-id", deviceID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.WithComponent("restclient").Warn().Err(err).Str("url", url).Msg("transient network error, retrying")
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode >= 500:
			return fmt.Errorf("restclient: server error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(&ErrServer{StatusCode: resp.StatusCode, Body: string(respBody)})
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("restclient: decode response: %w", err))
			}
		}
		return nil
	}, policy)
}
