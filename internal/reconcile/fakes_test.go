package reconcile

import (
	"context"
	"database/sql"
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
	"github.com/Safehill/safehill-client-go/internal/pipeline"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"

	_ "modernc.org/sqlite"
)

var testDBSeq atomic.Int64

type engineFixture struct {
	engine *Engine
	queues *queue.Set
	local  store.Local
	api    *fakeAPI
	lib    *fakeLibrary
	graph  *fakeGraph
	crypto *fakeCrypto
	bl     *pipeline.Blacklist
	rec    *recordingObserver
}

func newEngineFixture(t *testing.T, userID string) *engineFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	queues, err := queue.NewSQLiteSet(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(ctx, db))
	local := store.NewSQLiteStore(db)

	api := &fakeAPI{}
	lib := &fakeLibrary{contains: map[string]bool{}}
	kg := &fakeGraph{knownUsers: map[string]bool{}}
	crypto := &fakeCrypto{}
	bl := pipeline.NewBlacklist(3)
	rec := &recordingObserver{}

	e := New(Config{
		API:       api,
		Local:     local,
		Library:   lib,
		Graph:     kg,
		Crypto:    crypto,
		Queues:    queues,
		Blacklist: bl,
		State:     pipeline.NewProcessingState(),
		Log:       logging.Noop{},
		UserID:    userID,
	})
	e.AddObserver(rec)

	return &engineFixture{
		engine: e, queues: queues, local: local,
		api: api, lib: lib, graph: kg, crypto: crypto, bl: bl, rec: rec,
	}
}

type fakeAPI struct {
	mu            sync.Mutex
	descriptors   []*asset.Descriptor
	listBlock     chan struct{} // when set, ListDescriptors waits on it
	listCalls     int
	lastFilter    remote.DescriptorFilter
	downloads     map[string]*remote.EncryptedDownload
	downloadErr   error
	downloadCalls int
}

func (f *fakeAPI) ListDescriptors(ctx context.Context, filter remote.DescriptorFilter) ([]*asset.Descriptor, error) {
	f.mu.Lock()
	f.listCalls++
	f.lastFilter = filter
	block := f.listBlock
	out := f.descriptors
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return out, nil
}

func (f *fakeAPI) CreateAsset(ctx context.Context, in remote.CreateAssetInput) (*remote.CreatedAsset, error) {
	return nil, common.ErrNotFound
}

func (f *fakeAPI) UploadVersion(ctx context.Context, url string, data []byte) error {
	return nil
}

func (f *fakeAPI) DownloadVersion(ctx context.Context, globalID string, q asset.Quality) (*remote.EncryptedDownload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	if dl, ok := f.downloads[globalID]; ok {
		return dl, nil
	}
	return nil, common.ErrNotFound
}

func (f *fakeAPI) ShareAsset(ctx context.Context, in remote.ShareInput) error { return nil }

func (f *fakeAPI) UnshareAsset(ctx context.Context, globalID, recipientID string) error {
	return nil
}

func (f *fakeAPI) LookupUsers(ctx context.Context, ids []string) ([]*remote.User, error) {
	return nil, nil
}

func (f *fakeAPI) SetupGroup(ctx context.Context, groupID string, recipientIDs []string) error {
	return nil
}

func (f *fakeAPI) Invite(ctx context.Context, groupID string, phoneNumbers []string) error {
	return nil
}

type fakeLibrary struct {
	contains map[string]bool
}

func (f *fakeLibrary) FetchAsset(ctx context.Context, localID string, versions []asset.Quality) (*photos.LibraryAsset, error) {
	return nil, common.ErrNotFound
}

func (f *fakeLibrary) Contains(ctx context.Context, localID string) (bool, error) {
	return f.contains[localID], nil
}

type fakeGraph struct {
	mu          sync.Mutex
	knownUsers  map[string]bool
	provisional []graph.ShareEdge
	confirmed   []graph.ShareEdge
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

// fakeCrypto decrypts transparently unless told to fail.
type fakeCrypto struct {
	openErr    error
	decryptErr error
}

func (f *fakeCrypto) GenerateSecret() []byte { return []byte("secret") }
func (f *fakeCrypto) PublicKey() []byte      { return []byte("public-key") }

func (f *fakeCrypto) EncryptPayload(plain, secret []byte) ([]byte, []byte, error) {
	return plain, []byte("nonce"), nil
}

func (f *fakeCrypto) DecryptPayload(ciphertext, nonce, secret []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return ciphertext, nil
}

func (f *fakeCrypto) SealSecret(secret, recipientPublicKey []byte) ([]byte, error) {
	return secret, nil
}

func (f *fakeCrypto) OpenSecret(sealed []byte) ([]byte, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return sealed, nil
}

func (f *fakeCrypto) GlobalIdentifier(content []byte) (string, error) {
	return "gid", nil
}

// recordingObserver collects every reconciliation event.
type recordingObserver struct {
	mu sync.Mutex

	received       [][]*asset.Descriptor
	authRequests   map[string]int
	deltas         []*SharingDelta
	downloads      map[string][]byte
	unrecoverable  []string
	restoreStarts  int
	restoreResults []int
}

func (r *recordingObserver) DescriptorsReceived(descriptors []*asset.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, descriptors)
}

func (r *recordingObserver) AuthorizationRequested(senderID string, descriptors []*asset.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authRequests == nil {
		r.authRequests = map[string]int{}
	}
	r.authRequests[senderID] += len(descriptors)
}

func (r *recordingObserver) SharingUpdated(delta *SharingDelta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
}

func (r *recordingObserver) DownloadCompleted(descriptor *asset.Descriptor, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.downloads == nil {
		r.downloads = map[string][]byte{}
	}
	r.downloads[descriptor.GlobalID] = data
}

func (r *recordingObserver) UnrecoverableFailure(globalID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unrecoverable = append(r.unrecoverable, globalID)
}

func (r *recordingObserver) RestorationStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreStarts++
}

func (r *recordingObserver) RestorationCompleted(restoredGroups int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreResults = append(r.restoreResults, restoredGroups)
}

// descriptor builders

func ownedDescriptor(globalID, localID, ownerID string) *asset.Descriptor {
	return &asset.Descriptor{
		GlobalID:    globalID,
		LocalID:     localID,
		UploadState: asset.UploadCompleted,
		Sharing: asset.SharingInfo{
			OwnerID:         ownerID,
			RecipientGroups: map[string][]string{},
			Groups:          map[string]asset.GroupInfo{},
		},
	}
}

func sharedDescriptor(globalID, ownerID, groupID string, recipients ...string) *asset.Descriptor {
	d := ownedDescriptor(globalID, "", ownerID)
	d.Sharing.Groups[groupID] = asset.GroupInfo{GroupID: groupID, CreatedBy: ownerID}
	for _, r := range recipients {
		d.Sharing.RecipientGroups[r] = append(d.Sharing.RecipientGroups[r], groupID)
	}
	return d
}
