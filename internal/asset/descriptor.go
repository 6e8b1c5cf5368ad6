package asset

import "time"

// UploadState is the server-observed upload progress of an asset.
type UploadState string

const (
	UploadNotStarted UploadState = "not_started"
	UploadPartial    UploadState = "partial"
	UploadCompleted  UploadState = "completed"
)

// Permission is the sharing permission attached to a group.
// Higher values are more permissive.
type Permission int

const (
	PermissionConfidential Permission = iota
	PermissionShareable
)

// GroupInfo is the per-group sharing metadata of a descriptor.
type GroupInfo struct {
	GroupID        string     `json:"groupId"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	Permission     Permission `json:"permission"`
	EncryptedTitle []byte     `json:"encryptedTitle,omitempty"`
	CollectionIDs  []string   `json:"collectionIds,omitempty"`
}

// SharingInfo describes who an asset is shared with and through which groups.
type SharingInfo struct {
	OwnerID string `json:"ownerId"`
	// RecipientGroups maps recipient identifier to the groups the asset was
	// shared with them through.
	RecipientGroups map[string][]string `json:"recipientGroups"`
	// Groups maps group identifier to its metadata.
	Groups map[string]GroupInfo `json:"groups"`
}

// Descriptor is the server snapshot of one asset's upload and sharing state.
// Descriptors are immutable: each reconciliation pass fetches fresh ones and
// never mutates them in place.
type Descriptor struct {
	GlobalID    string      `json:"globalId"`
	LocalID     string      `json:"localId,omitempty"`
	UploadState UploadState `json:"uploadState"`
	Sharing     SharingInfo `json:"sharing"`
}

// Collections returns the union of collection identifiers across all groups
// of the descriptor, deduplicated.
func (d *Descriptor) Collections() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, g := range d.Sharing.Groups {
		for _, c := range g.CollectionIDs {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// CanBeSavedOrShared resolves the effective permission for a user across all
// groups the asset is shared with them through. Most permissive wins: a user
// in both a confidential and a shareable group may save and re-share.
// The owner can always save and share.
func (d *Descriptor) CanBeSavedOrShared(userID string) bool {
	if userID == d.Sharing.OwnerID {
		return true
	}
	for _, groupID := range d.Sharing.RecipientGroups[userID] {
		if g, ok := d.Sharing.Groups[groupID]; ok && g.Permission >= PermissionShareable {
			return true
		}
	}
	return false
}

// GroupsForRecipient returns the groups the asset is shared with the given
// user through.
func (d *Descriptor) GroupsForRecipient(userID string) []GroupInfo {
	var out []GroupInfo
	for _, groupID := range d.Sharing.RecipientGroups[userID] {
		if g, ok := d.Sharing.Groups[groupID]; ok {
			out = append(out, g)
		}
	}
	return out
}
