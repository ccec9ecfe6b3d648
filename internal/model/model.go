// Package model defines domain entities shared by the store, queue and sync engine.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// LocalIDPrefix namespaces locally assigned ids away from server-assigned ones.
// The two id spaces must never collide before reconciliation.
const LocalIDPrefix = "local-"

// NewLocalID returns a fresh local id for an entity created on this device.
func NewLocalID() string {
	return LocalIDPrefix + uuid.Must(uuid.NewV4()).String()
}

// IsLocalID reports whether id was assigned locally and has no remote counterpart yet.
func IsLocalID(id string) bool { return strings.HasPrefix(id, LocalIDPrefix) }

// SyncState describes how an entity relates to the authoritative backend copy.
type SyncState string

const (
	StateSynced        SyncState = "synced"
	StatePendingCreate SyncState = "pendingCreate"
	StatePendingUpdate SyncState = "pendingUpdate"
	StatePendingDelete SyncState = "pendingDelete"
	StateConflict      SyncState = "conflict"
)

// Page is a single scanned page inside a document. The page owns the lifecycle
// of its image key: removing the page must eventually release the blob.
type Page struct {
	ID          string          `json:"id"`
	ImageKey    string          `json:"image_key"`
	OCRText     string          `json:"ocr_text,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
	Order       int             `json:"order"`
}

// Document is the metadata record for one scanned document. Pages are kept in
// export order with dense, gap-free Order values.
type Document struct {
	ID              string    `json:"id"`
	RemoteID        string    `json:"remote_id,omitempty"`
	Name            string    `json:"name"`
	Pages           []Page    `json:"pages"`
	FolderID        string    `json:"folder_id,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitempty"` // last server-acknowledged timestamp, LWW base
	SyncState       SyncState `json:"sync_state"`
	LocalRevision   int64     `json:"local_revision"`
	LastSyncError   string    `json:"last_sync_error,omitempty"`
	// Conflict holds the remote copy while SyncState == StateConflict.
	Conflict *RemoteVersion `json:"conflict,omitempty"`
	// PendingReleaseKeys are blob keys orphaned by a terminally failed
	// mutation; they are freed once the document next confirms or is
	// removed.
	PendingReleaseKeys []string `json:"pending_release_keys,omitempty"`
}

// Clone returns a deep copy so callers can never alias the store's index.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Pages = make([]Page, len(d.Pages))
	copy(cp.Pages, d.Pages)
	for i := range cp.Pages {
		if d.Pages[i].Annotations != nil {
			cp.Pages[i].Annotations = append(json.RawMessage(nil), d.Pages[i].Annotations...)
		}
	}
	if d.Tags != nil {
		cp.Tags = append([]string(nil), d.Tags...)
	}
	if d.Conflict != nil {
		c := *d.Conflict
		if c.Tags != nil {
			c.Tags = append([]string(nil), c.Tags...)
		}
		cp.Conflict = &c
	}
	if d.PendingReleaseKeys != nil {
		cp.PendingReleaseKeys = append([]string(nil), d.PendingReleaseKeys...)
	}
	return &cp
}

// RemoteVersion captures the server's copy of a document's metadata at the
// moment a conflict was detected, so both versions stay addressable until the
// user picks one.
type RemoteVersion struct {
	Name      string    `json:"name"`
	FolderID  string    `json:"folder_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Folder groups documents. The reference is weak: deleting a folder never
// deletes the documents inside it.
type Folder struct {
	ID              string    `json:"id"`
	RemoteID        string    `json:"remote_id,omitempty"`
	Name            string    `json:"name"`
	ParentID        string    `json:"parent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at,omitempty"`
	SyncState       SyncState `json:"sync_state"`
	LocalRevision   int64     `json:"local_revision"`
}

// Clone returns a copy of the folder.
func (f *Folder) Clone() *Folder {
	cp := *f
	return &cp
}

// TargetType identifies which entity kind a mutation applies to.
type TargetType string

const (
	TargetDocument TargetType = "document"
	TargetFolder   TargetType = "folder"
)

// Op is the replayable operation kind of a queued mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpMove   Op = "move"
)

// MutationState is the lifecycle state of a queue entry.
type MutationState string

const (
	MutQueued          MutationState = "queued"
	MutInFlight        MutationState = "inFlight"
	MutConfirmed       MutationState = "confirmed"
	MutFailedRetryable MutationState = "failedRetryable"
	MutFailedTerminal  MutationState = "failedTerminal"
	MutSuperseded      MutationState = "superseded"
)

// Mutation is one pending local change awaiting remote confirmation.
type Mutation struct {
	Seq        int64           `json:"seq"`
	TargetType TargetType      `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// ReleaseKeys are blob keys whose files may be deleted once this
	// mutation is confirmed (or cancelled before ever being sent).
	ReleaseKeys   []string      `json:"release_keys,omitempty"`
	LocalRevision int64         `json:"local_revision"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
	State         MutationState `json:"state"`
}

// Clone returns a copy safe to hand outside the queue's lock.
func (m *Mutation) Clone() *Mutation {
	cp := *m
	if m.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.ReleaseKeys != nil {
		cp.ReleaseKeys = append([]string(nil), m.ReleaseKeys...)
	}
	return &cp
}
