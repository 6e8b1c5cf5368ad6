package reconcile

import "github.com/Safehill/safehill-client-go/internal/asset"

// Observer receives reconciliation and download events. Every method is
// called synchronously from the engine; implementations must not block.
type Observer interface {
	// DescriptorsReceived fires once per pass with the fresh remote batch.
	DescriptorsReceived(descriptors []*asset.Descriptor)

	// AuthorizationRequested fires when assets shared by an unknown sender
	// are waiting for the user's approval.
	AuthorizationRequested(senderID string, descriptors []*asset.Descriptor)

	// SharingUpdated fires for each asset whose sharing info changed
	// remotely since the local snapshot.
	SharingUpdated(delta *SharingDelta)

	// DownloadCompleted hands over the decrypted low-resolution payload.
	DownloadCompleted(descriptor *asset.Descriptor, data []byte)

	// UnrecoverableFailure fires once the failure threshold for an asset
	// is crossed.
	UnrecoverableFailure(globalID string, err error)

	// RestorationStarted and RestorationCompleted bracket the replay of
	// history entries from remote descriptors owned by the local user.
	RestorationStarted()
	RestorationCompleted(restoredGroups int)
}
