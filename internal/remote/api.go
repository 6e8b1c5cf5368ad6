// Package remote defines the server API consumed by the engine and its HTTP
// implementation. Asset bytes move through server-issued presigned URLs;
// everything else is JSON over the service API.
package remote

import (
	"context"
	"time"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// User is the subset of a server user record the engine consumes.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PublicKey []byte `json:"publicKey"`
}

// DescriptorFilter narrows a descriptor listing. Zero value lists everything.
type DescriptorFilter struct {
	GlobalIDs []string  `json:"globalIds,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// CreateAssetInput registers an asset record on the server.
type CreateAssetInput struct {
	GlobalID string          `json:"globalId"`
	LocalID  string          `json:"localId,omitempty"`
	Versions []asset.Quality `json:"versions"`
}

// CreatedAsset is the server's answer to CreateAsset: the identifier it
// recorded and one presigned upload URL per requested version.
type CreatedAsset struct {
	GlobalID   string                   `json:"globalId"`
	UploadURLs map[asset.Quality]string `json:"uploadUrls"`
}

// EncryptedDownload is an encrypted version payload plus the secret sealed
// for this device.
type EncryptedDownload struct {
	Ciphertext   []byte `json:"ciphertext"`
	Nonce        []byte `json:"nonce"`
	SealedSecret []byte `json:"sealedSecret"`
}

// ShareInput shares an asset with a group of recipients.
type ShareInput struct {
	GlobalID       string            `json:"globalId"`
	GroupID        string            `json:"groupId"`
	SenderID       string            `json:"senderId"`
	SealedSecrets  map[string][]byte `json:"sealedSecrets"`
	Permission     asset.Permission  `json:"permission"`
	EncryptedTitle []byte            `json:"encryptedTitle,omitempty"`
}

// API is the remote-server contract.
type API interface {
	ListDescriptors(ctx context.Context, f DescriptorFilter) ([]*asset.Descriptor, error)

	CreateAsset(ctx context.Context, in CreateAssetInput) (*CreatedAsset, error)
	UploadVersion(ctx context.Context, url string, data []byte) error
	DownloadVersion(ctx context.Context, globalID string, q asset.Quality) (*EncryptedDownload, error)

	ShareAsset(ctx context.Context, in ShareInput) error
	UnshareAsset(ctx context.Context, globalID, recipientID string) error

	LookupUsers(ctx context.Context, ids []string) ([]*User, error)
	SetupGroup(ctx context.Context, groupID string, recipientIDs []string) error
	Invite(ctx context.Context, groupID string, phoneNumbers []string) error
}
