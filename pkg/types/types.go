// Package types defines the data model shared across the sync core:
// device identity, the append-only change log, the pending-upload queue,
// domain records and their CRDT metadata, sync cursors, patch envelopes,
// and merge conflicts.
package types

import "time"

// Operation is the kind of mutation a change log entry or pending change
// represents.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Platform identifies the desktop OS a device is registered from.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

// JSONValue is the opaque field-value sum type used throughout change
// payloads, patches, and domain record bodies: null, bool, number, string,
// array, or map. It is represented as `any` (the result of
// encoding/json.Unmarshal into an interface{}) and interpreted structurally
// by pkg/merge's deep-equal and merge routines.
type JSONValue = any

// Data is a field-name to JSONValue map: the opaque payload carried by
// change log entries, pending changes, and patch envelopes.
type Data map[string]JSONValue

// DeviceIdentity is the non-secret identity row persisted in the Local
// Store's devices collection. Secrets for the same device live exclusively
// in the Secret Store (see DeviceSecrets).
type DeviceIdentity struct {
	DeviceID            string    `json:"deviceId"`
	DeviceName          string    `json:"deviceName"`
	TenantID            string    `json:"tenantId"`
	OrganizationID      string    `json:"organizationId"`
	ClinicID            string    `json:"clinicId,omitempty"`
	UserID              string    `json:"userId"`
	HardwareFingerprint string    `json:"hardwareFingerprint"`
	Platform            Platform  `json:"platform"`
	OSVersion           string    `json:"osVersion"`
	AppVersion          string    `json:"appVersion"`
	RegisteredAt        time.Time `json:"registeredAt"`
	LastSeenAt          time.Time `json:"lastSeenAt"`
	// NeedsReLogin is set when a refresh attempt has failed; outbound sync
	// is suspended until the UI drives re-registration.
	NeedsReLogin bool `json:"needsReLogin"`
}

// DeviceSecrets is held only by the Secret Store, never by the Local
// Store. Scoped by (tenant, organization, device, suffix).
type DeviceSecrets struct {
	DeviceAccessToken  string    `json:"-"`
	DeviceRefreshToken string    `json:"-"`
	EncryptionKey      []byte    `json:"-"`
	LastLoginAt        time.Time `json:"-"`
	LocalPINHash       string    `json:"-"`
}

// ChangeLogEntry is an append-only, immutable-once-sequenced record of a
// domain mutation.
type ChangeLogEntry struct {
	ChangeID       string    `json:"changeId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	TenantID       string    `json:"tenantId"`
	OrganizationID string    `json:"organizationId"`
	ClinicID       string    `json:"clinicId,omitempty"`
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId"`
	Operation      Operation `json:"operation"`
	Data           Data      `json:"data"`
	PreviousData   Data      `json:"previousData,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SourceDeviceID string    `json:"sourceDeviceId,omitempty"`
	SyncedAt       time.Time `json:"syncedAt,omitempty"`
}

// PendingChange is a locally-originated mutation awaiting server
// acceptance, held in the upload queue.
type PendingChange struct {
	LocalID        string    `json:"localId"`
	TenantID       string    `json:"tenantId"`
	OrganizationID string    `json:"organizationId"`
	ClinicID       string    `json:"clinicId,omitempty"`
	EntityType     string    `json:"entityType"`
	EntityID       string    `json:"entityId"`
	Operation      Operation `json:"operation"`
	Data           Data      `json:"data"`
	PreviousData   Data      `json:"previousData,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	RetryCount     int       `json:"retryCount"`
	LastError      string    `json:"lastError,omitempty"`
	Synced         bool      `json:"synced"`
	// Sealed indicates Data/PreviousData are AES-256-GCM ciphertext (see
	// pkg/security) rather than plaintext JSON, per DESIGN.md Open Question
	// decision #1.
	Sealed bool `json:"sealed"`
}

// CRDTMeta is the three authoritative conflict-resolution inputs every
// domain record carries.
type CRDTMeta struct {
	Version   uint64    `json:"_version"`
	UpdatedAt time.Time `json:"_updatedAt"`
	ActorID   string    `json:"_actorId"`
}

// DomainRecord is a generic per-entity record: scoping ids, the
// entity-specific primary key, its JSON body, and CRDT metadata.
type DomainRecord struct {
	TenantID       string   `json:"tenantId"`
	OrganizationID string   `json:"organizationId"`
	ClinicID       string   `json:"clinicId,omitempty"`
	EntityType     string   `json:"entityType"`
	EntityID       string   `json:"entityId"`
	Data           Data     `json:"data"`
	Meta           CRDTMeta `json:"meta"`
}

// SyncCursor is the highest sequence number a tenant has durably applied.
type SyncCursor struct {
	TenantID           string    `json:"tenantId"`
	LastSyncedSequence uint64    `json:"lastSyncedSequence"`
	LastSyncedAt       time.Time `json:"lastSyncedAt"`
}

// PatchEnvelope is a single-resource update delivered via realtime or
// synthesized from an uploaded change.
type PatchEnvelope struct {
	EnvelopeID     string    `json:"envelopeId"`
	ResourceType   string    `json:"resourceType"`
	ResourceID     string    `json:"resourceId"`
	ActorID        string    `json:"actorId"`
	Version        uint64    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	Patch          Data      `json:"patch"`
	TenantID       string    `json:"tenantId"`
	OrganizationID string    `json:"organizationId"`
	ClinicID       string    `json:"clinicId,omitempty"`
}

// Resolution records how a single-field conflict was decided.
type Resolution string

const (
	ResolutionLocal      Resolution = "local"
	ResolutionRemote     Resolution = "remote"
	ResolutionMerged     Resolution = "merged"
	ResolutionUnresolved Resolution = "unresolved"
)

// FieldConflict is a per-field disagreement between local and remote
// values, with enough metadata to resolve deterministically or defer.
type FieldConflict struct {
	Field           string     `json:"field"`
	LocalValue      JSONValue  `json:"localValue"`
	RemoteValue     JSONValue  `json:"remoteValue"`
	LocalVersion    uint64     `json:"localVersion"`
	RemoteVersion   uint64     `json:"remoteVersion"`
	LocalTimestamp  time.Time  `json:"localTimestamp"`
	RemoteTimestamp time.Time  `json:"remoteTimestamp"`
	Resolution      Resolution `json:"resolution,omitempty"`
}

// Conflict is a merge-inbox record created when a merge strategy yields
// needs_manual_resolution.
type Conflict struct {
	ID           string          `json:"id"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Fields       []FieldConflict `json:"fields"`
	LocalData    Data            `json:"localData"`
	RemotePatch  PatchEnvelope   `json:"remotePatch"`
	CreatedAt    time.Time       `json:"createdAt"`
	Resolved     bool            `json:"resolved"`
}

// PresenceStatus is a user's realtime presence state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
)

// ActiveResource names the resource a presence user is currently viewing.
type ActiveResource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PresenceUser is a single tracked realtime participant.
type PresenceUser struct {
	ActorID        string          `json:"actorId"`
	Status         PresenceStatus  `json:"status"`
	ActiveResource *ActiveResource `json:"activeResource,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
