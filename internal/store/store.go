// Package store implements the device-local persistent store: per-asset
// symmetric secrets, plaintext staging between Fetch and Encrypt, encrypted
// version payloads, per-recipient sealed secrets and the local descriptor
// mirror used by reconciliation.
package store

import (
	"context"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// Local is the local-store contract consumed by the stages and the
// reconciliation engine.
type Local interface {
	// GetSecret returns the symmetric secret for an asset, or
	// common.ErrSecretNotFound when none was ever stored. That sentinel is
	// the only signal that permits generating a fresh secret; any other
	// error must propagate.
	GetSecret(ctx context.Context, globalID string) ([]byte, error)
	SaveSecret(ctx context.Context, globalID string, secret []byte) error

	// Plaintext staging area populated by Fetch and drained by Encrypt.
	CacheVersion(ctx context.Context, globalID string, q asset.Quality, data []byte) error
	CachedVersion(ctx context.Context, globalID string, q asset.Quality) ([]byte, error)
	DropCache(ctx context.Context, globalID string) error

	// Encrypted payloads produced by Encrypt and consumed by Upload.
	SaveEncryptedVersion(ctx context.Context, globalID string, q asset.Quality, ciphertext, nonce []byte) error
	EncryptedVersion(ctx context.Context, globalID string, q asset.Quality) (ciphertext, nonce []byte, err error)

	// Per-recipient sealed secrets produced by Encrypt and consumed by Share.
	SaveSealedSecret(ctx context.Context, globalID, recipientID string, sealed []byte) error
	SealedSecret(ctx context.Context, globalID, recipientID string) ([]byte, error)

	// Local descriptor mirror: the "local" side of every reconciliation
	// pass, kept consistent with the server after uploads and shares.
	SaveDescriptor(ctx context.Context, d *asset.Descriptor) error
	Descriptor(ctx context.Context, globalID string) (*asset.Descriptor, error)
	Descriptors(ctx context.Context) ([]*asset.Descriptor, error)
}
