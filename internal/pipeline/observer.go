// Package pipeline implements the persistent queue pipeline: the four stage
// operations (Fetch, Encrypt, Upload, Share), the single-flight processor
// that runs them, the blacklist gating retries, and the per-item processing
// state preventing duplicate concurrent work.
package pipeline

import (
	"sync"

	"github.com/Safehill/safehill-client-go/internal/asset"
)

// Typed observer interfaces, one per event category. A consumer registers
// only for the categories it cares about; no runtime capability probing.

type FetchObserver interface {
	FetchStarted(localID, groupID string)
	FetchCompleted(localID, globalID, groupID string)
	FetchFailed(localID, groupID string, err error)
}

type EncryptObserver interface {
	EncryptStarted(globalID, groupID string)
	EncryptCompleted(globalID, groupID string)
	EncryptFailed(globalID, groupID string, err error)
}

type UploadObserver interface {
	UploadStarted(globalID, groupID string)
	UploadCompleted(globalID, groupID string)
	UploadFailed(globalID, groupID string, err error)
}

type ShareObserver interface {
	ShareStarted(globalID, groupID string)
	ShareCompleted(globalID, groupID string, recipientIDs []string)
	ShareFailed(globalID, groupID string, err error)
}

// Observers is the registry the stages dispatch through. Callbacks for
// background requests are suppressed here, in one place.
type Observers struct {
	mu      sync.RWMutex
	fetch   []FetchObserver
	encrypt []EncryptObserver
	upload  []UploadObserver
	share   []ShareObserver
}

func NewObservers() *Observers {
	return &Observers{}
}

func (o *Observers) AddFetchObserver(obs FetchObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetch = append(o.fetch, obs)
}

func (o *Observers) AddEncryptObserver(obs EncryptObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.encrypt = append(o.encrypt, obs)
}

func (o *Observers) AddUploadObserver(obs UploadObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.upload = append(o.upload, obs)
}

func (o *Observers) AddShareObserver(obs ShareObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.share = append(o.share, obs)
}

func (o *Observers) fetchStarted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.fetch {
		obs.FetchStarted(req.LocalID, req.GroupID)
	}
}

func (o *Observers) fetchCompleted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.fetch {
		obs.FetchCompleted(req.LocalID, req.GlobalID, req.GroupID)
	}
}

func (o *Observers) fetchFailed(req *asset.Request, err error) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.fetch {
		obs.FetchFailed(req.LocalID, req.GroupID, err)
	}
}

func (o *Observers) encryptStarted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.encrypt {
		obs.EncryptStarted(req.GlobalID, req.GroupID)
	}
}

func (o *Observers) encryptCompleted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.encrypt {
		obs.EncryptCompleted(req.GlobalID, req.GroupID)
	}
}

func (o *Observers) encryptFailed(req *asset.Request, err error) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.encrypt {
		obs.EncryptFailed(req.GlobalID, req.GroupID, err)
	}
}

func (o *Observers) uploadStarted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.upload {
		obs.UploadStarted(req.GlobalID, req.GroupID)
	}
}

func (o *Observers) uploadCompleted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.upload {
		obs.UploadCompleted(req.GlobalID, req.GroupID)
	}
}

func (o *Observers) uploadFailed(req *asset.Request, err error) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.upload {
		obs.UploadFailed(req.GlobalID, req.GroupID, err)
	}
}

func (o *Observers) shareStarted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.share {
		obs.ShareStarted(req.GlobalID, req.GroupID)
	}
}

func (o *Observers) shareCompleted(req *asset.Request) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.share {
		obs.ShareCompleted(req.GlobalID, req.GroupID, req.RecipientIDs)
	}
}

func (o *Observers) shareFailed(req *asset.Request, err error) {
	if req.IsBackground {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, obs := range o.share {
		obs.ShareFailed(req.GlobalID, req.GroupID, err)
	}
}

func (o *Observers) notifyFailed(kind asset.StageKind, req *asset.Request, err error) {
	switch kind {
	case asset.KindFetch:
		o.fetchFailed(req, err)
	case asset.KindEncrypt:
		o.encryptFailed(req, err)
	case asset.KindUpload:
		o.uploadFailed(req, err)
	case asset.KindShare:
		o.shareFailed(req, err)
	}
}
