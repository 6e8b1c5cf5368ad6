// Package asset defines the data model moved through the pipeline: stage
// requests, server-side descriptors, quality versions and sharing metadata.
package asset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Safehill/safehill-client-go/internal/common"
)

// Quality identifies one encoded version of an asset.
type Quality string

const (
	QualityLow Quality = "low"
	QualityMid Quality = "mid"
	QualityHi  Quality = "hi"
)

// StageKind tags a serialized request with the stage it belongs to.
type StageKind string

const (
	KindFetch   StageKind = "fetch"
	KindEncrypt StageKind = "encrypt"
	KindUpload  StageKind = "upload"
	KindShare   StageKind = "share"
)

// Request is the payload carried by every pipeline stage. The global
// identifier, once computed by Fetch, is stable for the lifetime of the
// asset and is carried forward unchanged into every downstream request.
type Request struct {
	LocalID  string    `json:"localId"`
	GlobalID string    `json:"globalId,omitempty"`
	Versions []Quality `json:"versions"`
	GroupID  string    `json:"groupId"`
	SenderID string    `json:"senderId"`

	RecipientIDs []string `json:"recipientIds,omitempty"`

	// Group metadata carried to the Share stage.
	GroupPermission Permission `json:"groupPermission,omitempty"`
	EncryptedTitle  []byte     `json:"encryptedTitle,omitempty"`
	// Invitees are contacts not yet registered with the service, invited by
	// phone number after a successful share.
	Invitees []string `json:"invitees,omitempty"`

	// IsBackground suppresses observer callbacks and non-essential queue
	// side effects: background requests exist purely to push bytes.
	IsBackground bool `json:"isBackground,omitempty"`

	// ShouldUpload selects the upload continuation after Encrypt; when
	// false the request shares an already-uploaded asset instead.
	ShouldUpload bool `json:"shouldUpload"`
}

type envelope struct {
	Kind    StageKind `json:"kind"`
	Request Request   `json:"request"`
}

// MarshalRequest serializes a request tagged with its stage kind.
func MarshalRequest(kind StageKind, req *Request) ([]byte, error) {
	return json.Marshal(envelope{Kind: kind, Request: *req})
}

// UnmarshalRequest deserializes a payload expecting the given stage kind.
// Undecodable payloads and kind mismatches both return
// common.ErrCorruptPayload: such items can never succeed and must be
// dequeued silently.
func UnmarshalRequest(kind StageKind, payload []byte) (*Request, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptPayload, err)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: expected %q request, got %q", common.ErrCorruptPayload, kind, env.Kind)
	}
	return &env.Request, nil
}

// QueueKey composes the addressable queue identifier for a
// (asset, group, recipient set) triple. The same triple always composes the
// same key, which makes enqueue/remove operations idempotent.
func QueueKey(localID, groupID string, recipientIDs []string) string {
	return localID + "+" + groupID + "+" + common.HashOfSortedIDs(recipientIDs)
}

// FailureRecord is the payload enqueued into a Failed queue when a stage
// gives up on an item. It keeps the original group and recipients so the
// caller can resubmit.
type FailureRecord struct {
	Stage        StageKind `json:"stage"`
	LocalID      string    `json:"localId"`
	GlobalID     string    `json:"globalId,omitempty"`
	GroupID      string    `json:"groupId"`
	RecipientIDs []string  `json:"recipientIds,omitempty"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failedAt"`
}

// HistoryEntry is the payload appended to a History queue when a stage
// completes. Restoration recreates these entries from remote descriptors.
type HistoryEntry struct {
	Stage        StageKind `json:"stage"`
	LocalID      string    `json:"localId"`
	GlobalID     string    `json:"globalId"`
	GroupID      string    `json:"groupId"`
	RecipientIDs []string  `json:"recipientIds,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}
