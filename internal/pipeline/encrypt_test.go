package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/store"
)

type encryptFixture struct {
	stage *EncryptStage
	local store.Local
	api   *fakeAPI
	graph *fakeGraph
	rec   *recordingObserver
}

func newEncryptFixture(t *testing.T) *encryptFixture {
	t.Helper()
	queues, local := newTestEnv(t)
	api := newFakeAPI()
	kg := newFakeGraph()
	rec := &recordingObserver{}
	stage := NewEncryptStage(queues, local, fakeCrypto{}, api, kg, newTestObservers(rec), testLog)
	return &encryptFixture{stage: stage, local: local, api: api, graph: kg, rec: rec}
}

func (f *encryptFixture) stageVersions(t *testing.T, globalID string, versions map[asset.Quality][]byte) {
	t.Helper()
	ctx := context.Background()
	for q, data := range versions {
		require.NoError(t, f.local.CacheVersion(ctx, globalID, q, data))
	}
}

func TestEncryptStage_RoutesToUploadQueue(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		SenderID:     "me",
		ShouldUpload: true,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)

	out := f.stage.Process(ctx, item)
	require.NoError(t, out.Err)
	require.NoError(t, out.CleanupErr)

	uploadItems, err := f.stage.queues.Upload.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Len(t, uploadItems, 1)

	shareItems, err := f.stage.queues.Share.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, shareItems)

	ciphertext, nonce, err := f.local.EncryptedVersion(ctx, "gid-1", asset.QualityLow)
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, nonce)

	// plaintext staging is gone once the encrypted payload exists
	_, err = f.local.CachedVersion(ctx, "gid-1", asset.QualityLow)
	require.Error(t, err)
}

func TestEncryptStage_RoutesToShareQueue(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})
	f.api.users["bob"] = []byte("bob-public-key")

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		SenderID:     "me",
		RecipientIDs: []string{"bob"},
		ShouldUpload: false,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)

	out := f.stage.Process(ctx, item)
	require.NoError(t, out.Err)

	shareItems, err := f.stage.queues.Share.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Len(t, shareItems, 1)

	uploadItems, err := f.stage.queues.Upload.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, uploadItems)
}

func TestEncryptStage_ReusesStoredSecret(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)

	existing := []byte("already-stored-secret-32-bytes..")
	require.NoError(t, f.local.SaveSecret(ctx, "gid-1", existing))
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		ShouldUpload: true,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)
	out := f.stage.Process(ctx, item)
	require.NoError(t, out.Err)

	secret, err := f.local.GetSecret(ctx, "gid-1")
	require.NoError(t, err)
	require.Equal(t, existing, secret)
}

func TestEncryptStage_GeneratesAndPersistsFreshSecret(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		ShouldUpload: true,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)
	out := f.stage.Process(ctx, item)
	require.NoError(t, out.Err)

	secret, err := f.local.GetSecret(ctx, "gid-1")
	require.NoError(t, err)
	require.Equal(t, fakeCrypto{}.GenerateSecret(), secret)
}

// failingSecretStore simulates a store whose secret lookup breaks in a way
// that is not "secret missing".
type failingSecretStore struct {
	store.Local
	err error
}

func (f *failingSecretStore) GetSecret(ctx context.Context, globalID string) ([]byte, error) {
	return nil, f.err
}

func TestEncryptStage_SecretLookupErrorDoesNotGenerate(t *testing.T) {
	ctx := context.Background()
	queues, local := newTestEnv(t)
	rec := &recordingObserver{}
	lookupErr := errors.New("disk unreadable")
	broken := &failingSecretStore{Local: local, err: lookupErr}
	stage := NewEncryptStage(queues, broken, fakeCrypto{}, newFakeAPI(), newFakeGraph(), newTestObservers(rec), testLog)

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		ShouldUpload: true,
	}
	item := enqueueRequest(t, stage.queues.Encrypt, asset.KindEncrypt, req)

	out := stage.Process(ctx, item)
	require.ErrorIs(t, out.Err, lookupErr)

	// nothing was generated over the broken lookup
	_, err := local.GetSecret(ctx, "gid-1")
	require.Error(t, err)

	failedItems, err := stage.queues.FailedUpload.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failedItems, 1)
}

func TestEncryptStage_SealsSecretPerRecipient(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})
	f.api.users["bob"] = []byte("bob-public-key")
	f.api.users["carol"] = []byte("carol-public-key")

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		SenderID:     "me",
		RecipientIDs: []string{"bob", "carol"},
		ShouldUpload: false,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)
	out := f.stage.Process(ctx, item)
	require.NoError(t, out.Err)

	for _, recipient := range []string{"bob", "carol"} {
		sealed, err := f.local.SealedSecret(ctx, "gid-1", recipient)
		require.NoError(t, err)
		require.NotEmpty(t, sealed)
	}

	// the pending share is visible in the graph before any confirmation
	require.Len(t, f.graph.provisional, 1)
	require.Equal(t, "gid-1", f.graph.provisional[0].GlobalID)
	require.Equal(t, []string{"bob", "carol"}, f.graph.provisional[0].RecipientIDs)
}

func TestEncryptStage_UnknownRecipientFails(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	f.stageVersions(t, "gid-1", map[asset.Quality][]byte{asset.QualityLow: []byte("plain")})

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		RecipientIDs: []string{"nobody"},
		ShouldUpload: false,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)

	out := f.stage.Process(ctx, item)
	require.Error(t, out.Err)
	require.Contains(t, out.Err.Error(), "nobody")

	failedItems, err := f.stage.queues.FailedShare.PeekMany(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failedItems, 1)
}

func TestEncryptStage_MissingStagedVersionFails(t *testing.T) {
	ctx := context.Background()
	f := newEncryptFixture(t)
	// nothing staged for gid-1

	req := &asset.Request{
		LocalID:      "local-1",
		GlobalID:     "gid-1",
		Versions:     []asset.Quality{asset.QualityLow},
		GroupID:      "group-1",
		ShouldUpload: true,
	}
	item := enqueueRequest(t, f.stage.queues.Encrypt, asset.KindEncrypt, req)

	out := f.stage.Process(ctx, item)
	require.Error(t, out.Err)
	require.Contains(t, out.Err.Error(), "no staged")
}
