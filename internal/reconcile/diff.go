// Package reconcile implements the download and reconciliation engine: it
// diffs the client's view of the world against the remote descriptor
// manifest, drives the download and authorization queues, and restores
// pipeline history from server-side truth after local data loss.
package reconcile

import (
	"sort"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// SharingDelta is the field-level difference between the local and remote
// snapshot of one asset's sharing info.
type SharingDelta struct {
	GlobalID string

	AddedCollections   []string
	RemovedCollections []string

	AddedRecipients   []string
	RemovedRecipients []string

	UploadStateChanged bool
}

// Empty reports whether the delta carries no change.
func (d *SharingDelta) Empty() bool {
	return len(d.AddedCollections) == 0 &&
		len(d.RemovedCollections) == 0 &&
		len(d.AddedRecipients) == 0 &&
		len(d.RemovedRecipients) == 0 &&
		!d.UploadStateChanged
}

// DiffDescriptors computes the sharing-info delta between the local and
// remote descriptor of the same asset. Returns nil when nothing changed.
// The remote side is the source of truth: "added" means present remotely
// but not locally.
func DiffDescriptors(local, remote *asset.Descriptor) *SharingDelta {
	delta := &SharingDelta{GlobalID: remote.GlobalID}

	delta.AddedCollections, delta.RemovedCollections = diffSets(local.Collections(), remote.Collections())

	localRecipients := recipientSet(local)
	remoteRecipients := recipientSet(remote)
	delta.AddedRecipients, delta.RemovedRecipients = diffSets(localRecipients, remoteRecipients)

	delta.UploadStateChanged = local.UploadState != remote.UploadState

	if delta.Empty() {
		return nil
	}
	return delta
}

func recipientSet(d *asset.Descriptor) []string {
	out := make([]string, 0, len(d.Sharing.RecipientGroups))
	for recipientID := range d.Sharing.RecipientGroups {
		out = append(out, recipientID)
	}
	return out
}

// diffSets returns (present in next but not prev, present in prev but not
// next), both sorted for deterministic reporting.
func diffSets(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, v := range prev {
		prevSet[v] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, v := range next {
		nextSet[v] = struct{}{}
	}

	for v := range nextSet {
		if _, ok := prevSet[v]; !ok {
			added = append(added, v)
		}
	}
	for v := range prevSet {
		if _, ok := nextSet[v]; !ok {
			removed = append(removed, v)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
