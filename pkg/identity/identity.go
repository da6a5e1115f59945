// Package identity implements Device Identity & Registration:
// collecting a stable hardware fingerprint, running the registration and
// device-login handshake, minting a local encryption key, and persisting
// the split identity (non-secret row in the Local Store, secrets in the
// Secret Store). It also owns token refresh and the unlink flow.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/localstore"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/restclient"
	"github.com/adrian-moloca/dental-sub010/pkg/secretstore"
	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrNotRegistered is the "not-registered" error kind: no device identity
// is present, sync must refuse to run.
var ErrNotRegistered = errors.New("identity: device is not registered")

// ErrNeedsReLogin is returned by EnsureValidAccessToken when a refresh has
// already failed and outbound sync must stay suspended until the UI drives
// re-registration.
var ErrNeedsReLogin = errors.New("identity: device needs re-login")

// HardwareInfo is the host-specific information the caller collects (the
// composition root, not this package, reads CPU/platform/OS facts — this
// keeps identity free of OS-specific syscalls).
type HardwareInfo struct {
	CPUID       string
	MemoryBytes uint64
	Platform    types.Platform
	OSVersion   string
	AppVersion  string
}

// RegisterParams supplies the scoping and user context for a new
// registration.
type RegisterParams struct {
	TenantID       string
	OrganizationID string
	ClinicID       string
	UserID         string
	DeviceName     string
	UserBearer     string
	Hardware       HardwareInfo
}

// Manager implements the full registration/refresh/unlink lifecycle.
type Manager struct {
	rest    *restclient.Client
	secrets secretstore.Store
	local   localstore.Store

	// refreshGroup coalesces concurrent forced refreshes for the same
	// device: the upload queue and delta downloader can both hit a 401 on
	// the same access token at nearly the same moment, and only one
	// refresh call should reach the auth service.
	refreshGroup singleflight.Group
}

// NewManager wires a Manager against its three collaborators.
func NewManager(rest *restclient.Client, secrets secretstore.Store, local localstore.Store) *Manager {
	return &Manager{rest: rest, secrets: secrets, local: local}
}

// Register runs the full registration protocol: collect metadata,
// register, device-login, generate an encryption key, and persist the
// split identity.
func (m *Manager) Register(ctx context.Context, params RegisterParams) (*types.DeviceIdentity, error) {
	logger := log.WithComponent("identity")

	fingerprint := security.HardwareFingerprint(params.Hardware.CPUID, security.ClassifyMemory(params.Hardware.MemoryBytes))

	regResp, err := m.rest.RegisterDevice(ctx, params.UserBearer, restclient.RegisterDeviceRequest{
		TenantID:       params.TenantID,
		OrganizationID: params.OrganizationID,
		ClinicID:       params.ClinicID,
		UserID:         params.UserID,
		Metadata: map[string]string{
			"deviceName":          params.DeviceName,
			"hardwareFingerprint": fingerprint,
			"platform":            string(params.Hardware.Platform),
			"osVersion":           params.Hardware.OSVersion,
			"appVersion":          params.Hardware.AppVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: registration failed: %w", err)
	}

	tokens, err := m.rest.Login(ctx, restclient.LoginRequest{
		DeviceID:          regResp.DeviceID,
		DeviceAccessToken: regResp.DeviceAccessToken,
		TenantID:          params.TenantID,
		OrganizationID:    params.OrganizationID,
		ClinicID:          params.ClinicID,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: device login failed: %w", err)
	}

	encryptionKey, err := security.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate encryption key: %w", err)
	}

	scope := secretstore.Scope{TenantID: params.TenantID, OrganizationID: params.OrganizationID, DeviceID: regResp.DeviceID}
	now := time.Now()
	err = m.secrets.Save(scope, types.DeviceSecrets{
		DeviceAccessToken:  tokens.AccessToken,
		DeviceRefreshToken: tokens.RefreshToken,
		EncryptionKey:      encryptionKey,
		LastLoginAt:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: failed to persist secrets: %w", err)
	}

	device := &types.DeviceIdentity{
		DeviceID:            regResp.DeviceID,
		DeviceName:          params.DeviceName,
		TenantID:            params.TenantID,
		OrganizationID:      params.OrganizationID,
		ClinicID:            params.ClinicID,
		UserID:              params.UserID,
		HardwareFingerprint: fingerprint,
		Platform:            params.Hardware.Platform,
		OSVersion:           params.Hardware.OSVersion,
		AppVersion:          params.Hardware.AppVersion,
		RegisteredAt:        now,
		LastSeenAt:          now,
	}
	if err := m.local.SaveDevice(device); err != nil {
		return nil, fmt.Errorf("identity: failed to persist device identity: %w", err)
	}

	logger.Info().Str("device_id", device.DeviceID).Msg("device registered")
	return device, nil
}

// EnsureValidAccessToken returns the current device access token, running
// a refresh first if forceRefresh is set. On
// refresh failure the device is marked needs-re-login and
// ErrNeedsReLogin is returned.
func (m *Manager) EnsureValidAccessToken(ctx context.Context, deviceID string, forceRefresh bool) (string, error) {
	device, err := m.local.GetDevice(deviceID)
	if err != nil {
		return "", ErrNotRegistered
	}
	if device.NeedsReLogin {
		return "", ErrNeedsReLogin
	}

	scope := secretstore.Scope{TenantID: device.TenantID, OrganizationID: device.OrganizationID, DeviceID: deviceID}
	secrets, err := m.secrets.Load(scope)
	if err != nil {
		return "", ErrNotRegistered
	}
	if !forceRefresh {
		return secrets.DeviceAccessToken, nil
	}

	result, err, _ := m.refreshGroup.Do(deviceID, func() (any, error) {
		tokens, err := m.rest.Refresh(ctx, restclient.RefreshRequest{
			RefreshToken:   secrets.DeviceRefreshToken,
			OrganizationID: device.OrganizationID,
		})
		if err != nil {
			device.NeedsReLogin = true
			_ = m.local.SaveDevice(device)
			log.WithComponent("identity").Warn().Err(err).Str("device_id", deviceID).Msg("token refresh failed, device needs re-login")
			return "", ErrNeedsReLogin
		}

		secrets.DeviceAccessToken = tokens.AccessToken
		secrets.DeviceRefreshToken = tokens.RefreshToken
		secrets.LastLoginAt = time.Now()
		if err := m.secrets.Save(scope, secrets); err != nil {
			return "", fmt.Errorf("identity: failed to persist refreshed secrets: %w", err)
		}
		return secrets.DeviceAccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Unlink revokes the device server-side, clears its secrets, and removes
// its identity row. Local domain data is intentionally left untouched.
func (m *Manager) Unlink(ctx context.Context, deviceID string) error {
	device, err := m.local.GetDevice(deviceID)
	if err != nil {
		return ErrNotRegistered
	}
	scope := secretstore.Scope{TenantID: device.TenantID, OrganizationID: device.OrganizationID, DeviceID: deviceID}

	secrets, err := m.secrets.Load(scope)
	if err == nil {
		if revokeErr := m.rest.RevokeDevice(ctx, secrets.DeviceAccessToken, deviceID); revokeErr != nil {
			log.WithComponent("identity").Warn().Err(revokeErr).Str("device_id", deviceID).Msg("server-side revoke failed, continuing local unlink")
		}
	}

	if err := m.secrets.Clear(scope); err != nil {
		return fmt.Errorf("identity: failed to clear secrets: %w", err)
	}
	if err := m.local.DeleteDevice(deviceID); err != nil {
		return fmt.Errorf("identity: failed to delete device identity: %w", err)
	}
	return nil
}

// NewDeviceName generates a short unique suffix for a default device name
// (e.g. "Front Desk-3fae9c2a") when the caller has not supplied one.
func NewDeviceName(base string) string {
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}
