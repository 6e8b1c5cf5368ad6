package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Safehill/safehill-client-go/internal/asset"
	"github.com/Safehill/safehill-client-go/internal/cryptox"
	"github.com/Safehill/safehill-client-go/internal/graph"
	"github.com/Safehill/safehill-client-go/internal/logging"
	"github.com/Safehill/safehill-client-go/internal/photos"
	"github.com/Safehill/safehill-client-go/internal/pipeline"
	"github.com/Safehill/safehill-client-go/internal/queue"
	"github.com/Safehill/safehill-client-go/internal/reconcile"
	"github.com/Safehill/safehill-client-go/internal/remote"
	"github.com/Safehill/safehill-client-go/internal/store"

	_ "modernc.org/sqlite"
)

// Deps are the external collaborators supplied by the host application.
type Deps struct {
	API     remote.API
	Library photos.Library
	Graph   graph.KnowledgeGraph
	Crypto  cryptox.Provider
	Log     logging.Logger
}

// Engine is the embeddable client engine: the upload/share pipeline plus
// the reconciliation loop, over one SQLite database.
type Engine struct {
	cfg  Config
	deps Deps
	log  logging.Logger

	db         *sql.DB
	queues     *queue.Set
	local      store.Local
	observers  *pipeline.Observers
	processors []*pipeline.Processor
	reconciler *reconcile.Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New opens the database, initializes the schemas and wires the stages.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	log := deps.Log
	if log == nil {
		log = logging.Noop{}
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// concurrent stage processors share one connection so writes serialize
	// instead of failing with a busy database
	db.SetMaxOpenConns(1)

	queues, err := queue.NewSQLiteSet(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	local := store.NewSQLiteStore(db)

	state := pipeline.NewProcessingState()
	blacklist := pipeline.NewBlacklist(cfg.BlacklistThreshold)
	observers := pipeline.NewObservers()

	stages := []pipeline.Stage{
		pipeline.NewFetchStage(queues, local, deps.Library, deps.Crypto, observers, log),
		pipeline.NewEncryptStage(queues, local, deps.Crypto, deps.API, deps.Graph, observers, log),
		pipeline.NewUploadStage(queues, local, deps.API, observers, log),
		pipeline.NewShareStage(queues, local, deps.API, deps.Crypto, deps.Graph, observers, log),
	}
	processors := make([]*pipeline.Processor, 0, len(stages))
	for _, s := range stages {
		processors = append(processors, pipeline.NewProcessor(s, state, cfg.RunLimit, log))
	}

	reconciler := reconcile.New(reconcile.Config{
		API:       deps.API,
		Local:     local,
		Library:   deps.Library,
		Graph:     deps.Graph,
		Crypto:    deps.Crypto,
		Queues:    queues,
		Blacklist: blacklist,
		State:     state,
		Log:       log,
		UserID:    cfg.UserID,
	})

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		log:        log.With("component", "engine"),
		db:         db,
		queues:     queues,
		local:      local,
		observers:  observers,
		processors: processors,
		reconciler: reconciler,
	}, nil
}

// Observers exposes the stage observer registry.
func (e *Engine) Observers() *pipeline.Observers { return e.observers }

// AddReconcileObserver registers a reconciliation/download observer.
func (e *Engine) AddReconcileObserver(obs reconcile.Observer) {
	e.reconciler.AddObserver(obs)
}

// Start launches the repeating stage schedules and the reconciliation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	for _, p := range e.processors {
		if err := p.RunRepeated(ctx, e.cfg.InitialDelay, e.cfg.Interval); err != nil {
			return err
		}
	}

	go e.reconcileLoop(ctx)
	return nil
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	e.reconcileOnce(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileOnce(ctx, false)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context, full bool) {
	run := e.reconciler.RunIncremental
	if full {
		run = e.reconciler.Run
	}
	if err := run(ctx); err != nil && ctx.Err() == nil {
		// a failed pass is retried on the next tick
		e.log.Error(ctx, "reconciliation pass failed", "error", err)
	}
	if err := e.reconciler.ProcessDownloads(ctx, e.cfg.RunLimit); err != nil && ctx.Err() == nil {
		e.log.Error(ctx, "download processing failed", "error", err)
	}
}

// Stop cancels the schedules, waits for the loops to exit and closes the
// database. In-flight items finish; queued items stay queued.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, p := range e.processors {
		p.Stop()
	}
	return e.db.Close()
}

// Authorize grants a pending sender and moves their assets to the download
// queue.
func (e *Engine) Authorize(ctx context.Context, senderID string) error {
	return e.reconciler.Authorize(ctx, senderID)
}

// UploadOptions configures an upload/share submission.
type UploadOptions struct {
	Versions       []asset.Quality
	GroupID        string
	RecipientIDs   []string
	Invitees       []string
	Permission     asset.Permission
	EncryptedTitle []byte
}

// UploadAsset submits a local asset to the pipeline for backup and,
// if recipients or invitees are present, for sharing. Returns the group
// identifier in effect.
func (e *Engine) UploadAsset(ctx context.Context, localID string, opts UploadOptions) (string, error) {
	if opts.GroupID == "" {
		opts.GroupID = uuid.NewString()
	}
	versions := opts.Versions
	if len(versions) == 0 {
		versions = []asset.Quality{asset.QualityLow, asset.QualityMid}
	}

	req := &asset.Request{
		LocalID:         localID,
		Versions:        versions,
		GroupID:         opts.GroupID,
		SenderID:        e.cfg.UserID,
		RecipientIDs:    opts.RecipientIDs,
		Invitees:        opts.Invitees,
		GroupPermission: opts.Permission,
		EncryptedTitle:  opts.EncryptedTitle,
		ShouldUpload:    true,
	}
	if err := e.submitFetch(ctx, req); err != nil {
		return "", err
	}
	return opts.GroupID, nil
}

// ShareAsset submits an already-uploaded asset for sharing only.
func (e *Engine) ShareAsset(ctx context.Context, localID, globalID string, opts UploadOptions) (string, error) {
	if opts.GroupID == "" {
		opts.GroupID = uuid.NewString()
	}
	versions := opts.Versions
	if len(versions) == 0 {
		versions = []asset.Quality{asset.QualityLow, asset.QualityMid}
	}

	req := &asset.Request{
		LocalID:         localID,
		GlobalID:        globalID,
		Versions:        versions,
		GroupID:         opts.GroupID,
		SenderID:        e.cfg.UserID,
		RecipientIDs:    opts.RecipientIDs,
		Invitees:        opts.Invitees,
		GroupPermission: opts.Permission,
		EncryptedTitle:  opts.EncryptedTitle,
		ShouldUpload:    false,
	}
	if err := e.submitFetch(ctx, req); err != nil {
		return "", err
	}
	return opts.GroupID, nil
}

func (e *Engine) submitFetch(ctx context.Context, req *asset.Request) error {
	payload, err := asset.MarshalRequest(asset.KindFetch, req)
	if err != nil {
		return err
	}
	key := asset.QueueKey(req.LocalID, req.GroupID, req.RecipientIDs)
	if _, err := e.queues.Fetch.Enqueue(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to enqueue fetch request: %w", err)
	}
	return nil
}

// RunPipelineOnce runs every stage once, in pipeline order. Intended for
// tests and for hosts that schedule work themselves.
func (e *Engine) RunPipelineOnce(ctx context.Context) error {
	for _, p := range e.processors {
		if err := p.RunOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}
