// Package photos defines the narrow contract to the host platform's photo
// library. The engine only resolves assets by local identifier and tests
// membership; everything else about the library is out of scope.
package photos

import (
	"context"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// LibraryAsset is a resolved local asset with its requested quality versions.
type LibraryAsset struct {
	LocalID string
	Data    map[asset.Quality][]byte
}

// Library is implemented by the host application.
type Library interface {
	// FetchAsset resolves a local asset and returns the requested versions.
	// Returns common.ErrNotFound when the identifier is unknown.
	FetchAsset(ctx context.Context, localID string, versions []asset.Quality) (*LibraryAsset, error)

	// Contains reports whether the local identifier is present in the
	// library.
	Contains(ctx context.Context, localID string) (bool, error)
}
