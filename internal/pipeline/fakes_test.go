package pipeline

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/common"
	"github.com/Safehill/safehill-client-go/internal/graph"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/photos"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"

	_ "modernc.org/sqlite"
)

var testDBSeq atomic.Int64

// newTestEnv opens a fresh in-memory database with the queue and local
// store schemas.
func newTestEnv(t *testing.T) (*queue.Set, store.Local) {
	t.Helper()
	dsn := fmt.Sprintf("file:pipeline%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	queues, err := queue.NewSQLiteSet(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(ctx, db))
	return queues, store.NewSQLiteStore(db)
}

// fakeLibrary resolves assets from an in-memory map.
type fakeLibrary struct {
	assets map[string]map[asset.Quality][]byte
}

func (f *fakeLibrary) FetchAsset(ctx context.Context, localID string, versions []asset.Quality) (*photos.LibraryAsset, error) {
	data, ok := f.assets[localID]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := &photos.LibraryAsset{LocalID: localID, Data: map[asset.Quality][]byte{}}
	for _, q := range versions {
		if d, ok := data[q]; ok {
			out.Data[q] = d
		}
	}
	return out, nil
}

func (f *fakeLibrary) Contains(ctx context.Context, localID string) (bool, error) {
	_, ok := f.assets[localID]
	return ok, nil
}

// fakeCrypto is a transparent Provider: payloads stay in the clear and
// sealing is an identity, keeping stage tests about queue semantics.
type fakeCrypto struct{}

func (fakeCrypto) GenerateSecret() []byte { return []byte("0123456789abcdef0123456789abcdef") }
func (fakeCrypto) PublicKey() []byte      { return []byte("device-public-key-32-bytes......") }

func (fakeCrypto) EncryptPayload(plain, secret []byte) ([]byte, []byte, error) {
	return append([]byte{}, plain...), []byte("nonce"), nil
}

func (fakeCrypto) DecryptPayload(ciphertext, nonce, secret []byte) ([]byte, error) {
	return append([]byte{}, ciphertext...), nil
}

func (fakeCrypto) SealSecret(secret, recipientPublicKey []byte) ([]byte, error) {
	return append([]byte{}, secret...), nil
}

func (fakeCrypto) OpenSecret(sealed []byte) ([]byte, error) {
	return append([]byte{}, sealed...), nil
}

func (fakeCrypto) GlobalIdentifier(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	return "gid-" + hex.EncodeToString(sum[:8]), nil
}

// fakeAPI implements remote.API with overridable funcs and call counters.
type fakeAPI struct {
	mu sync.Mutex

	createCalls int
	uploadCalls int
	shareCalls  int
	inviteCalls int

	users map[string][]byte // recipientID -> public key

	createFn  func(in remote.CreateAssetInput) (*remote.CreatedAsset, error)
	shareErr  error
	inviteErr error
	uploadErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{users: map[string][]byte{}}
}

func (f *fakeAPI) ListDescriptors(ctx context.Context, filter remote.DescriptorFilter) ([]*asset.Descriptor, error) {
	return nil, nil
}

func (f *fakeAPI) CreateAsset(ctx context.Context, in remote.CreateAssetInput) (*remote.CreatedAsset, error) {
	f.mu.Lock()
	f.createCalls++
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(in)
	}
	urls := map[asset.Quality]string{}
	for _, q := range in.Versions {
		urls[q] = "http://bucket/" + in.GlobalID + "/" + string(q)
	}
	return &remote.CreatedAsset{GlobalID: in.GlobalID, UploadURLs: urls}, nil
}

func (f *fakeAPI) UploadVersion(ctx context.Context, url string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	return f.uploadErr
}

func (f *fakeAPI) DownloadVersion(ctx context.Context, globalID string, q asset.Quality) (*remote.EncryptedDownload, error) {
	return nil, common.ErrNotFound
}

func (f *fakeAPI) ShareAsset(ctx context.Context, in remote.ShareInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareCalls++
	return f.shareErr
}

func (f *fakeAPI) UnshareAsset(ctx context.Context, globalID, recipientID string) error {
	return nil
}

func (f *fakeAPI) LookupUsers(ctx context.Context, ids []string) ([]*remote.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*remote.User
	for _, id := range ids {
		if pub, ok := f.users[id]; ok {
			out = append(out, &remote.User{ID: id, PublicKey: pub})
		}
	}
	return out, nil
}

func (f *fakeAPI) SetupGroup(ctx context.Context, groupID string, recipientIDs []string) error {
	return nil
}

func (f *fakeAPI) Invite(ctx context.Context, groupID string, phoneNumbers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inviteCalls++
	return f.inviteErr
}

// fakeGraph records ingested edges.
type fakeGraph struct {
	mu          sync.Mutex
	knownUsers  map[string]bool
	provisional []graph.ShareEdge
	confirmed   []graph.ShareEdge
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{knownUsers: map[string]bool{}}
}

func (f *fakeGraph) IsKnown(ctx context.Context, userIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, id := range userIDs {
		out[id] = f.knownUsers[id]
	}
	return out, nil
}

func (f *fakeGraph) IngestProvisionalShare(ctx context.Context, edge graph.ShareEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisional = append(f.provisional, edge)
	return nil
}

func (f *fakeGraph) IngestConfirmedShare(ctx context.Context, edge graph.ShareEdge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, edge)
	return nil
}

// recordingObserver counts callbacks across all stage categories.
type recordingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    int
	lastErr   error
}

func (r *recordingObserver) record(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case "started":
		r.started++
	case "completed":
		r.completed++
	case "failed":
		r.failed++
		r.lastErr = err
	}
}

func (r *recordingObserver) counts() (started, completed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.completed, r.failed
}

func (r *recordingObserver) FetchStarted(localID, groupID string) { r.record("started", nil) }
func (r *recordingObserver) FetchCompleted(localID, globalID, groupID string) {
	r.record("completed", nil)
}
func (r *recordingObserver) FetchFailed(localID, groupID string, err error) { r.record("failed", err) }
func (r *recordingObserver) EncryptStarted(globalID, groupID string)        { r.record("started", nil) }
func (r *recordingObserver) EncryptCompleted(globalID, groupID string)      { r.record("completed", nil) }
func (r *recordingObserver) EncryptFailed(globalID, groupID string, err error) {
	r.record("failed", err)
}
func (r *recordingObserver) UploadStarted(globalID, groupID string)   { r.record("started", nil) }
func (r *recordingObserver) UploadCompleted(globalID, groupID string) { r.record("completed", nil) }
func (r *recordingObserver) UploadFailed(globalID, groupID string, err error) {
	r.record("failed", err)
}
func (r *recordingObserver) ShareStarted(globalID, groupID string) { r.record("started", nil) }
func (r *recordingObserver) ShareCompleted(globalID, groupID string, recipientIDs []string) {
	r.record("completed", nil)
}
func (r *recordingObserver) ShareFailed(globalID, groupID string, err error) {
	r.record("failed", err)
}

func newTestObservers(rec *recordingObserver) *Observers {
	obs := NewObservers()
	obs.AddFetchObserver(rec)
	obs.AddEncryptObserver(rec)
	obs.AddUploadObserver(rec)
	obs.AddShareObserver(rec)
	return obs
}

var testLog = logging.Noop{}

// enqueueRequest puts a serialized request on the given queue and returns
// the item.
func enqueueRequest(t *testing.T, q queue.Store, kind asset.StageKind, req *asset.Request) *queue.Item {
	t.Helper()
	payload, err := asset.MarshalRequest(kind, req)
	require.NoError(t, err)
	item, err := q.Enqueue(context.Background(), asset.QueueKey(req.LocalID, req.GroupID, req.RecipientIDs), payload)
	require.NoError(t, err)
	return item
}
