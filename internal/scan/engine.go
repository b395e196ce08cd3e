// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package scan walks a ROM image looking for offsets that decompress into
// sprite-like tile data.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/spritescan/decomp"
	"github.com/ffutop/spritescan/internal/checkpoint"
	"github.com/ffutop/spritescan/internal/model"
	"github.com/ffutop/spritescan/internal/region"
	"github.com/ffutop/spritescan/internal/rom"
	"github.com/ffutop/spritescan/internal/sprite"
	"github.com/robfig/cron/v3"
)

var (
	// ErrStart wraps every error that prevents a scan from starting.
	ErrStart          = errors.New("scan failed to start")
	ErrAlreadyStarted = errors.New("scan already started")
	ErrNotStarted     = errors.New("scan not started")
	ErrCancelled      = errors.New("scan cancelled")
	// ErrIncomplete means some chunks failed; the checkpoint allows a retry.
	ErrIncomplete = errors.New("scan incomplete")
)

// State of an Engine.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tunes the engine. The zero value of a field selects its default
// only where noted; use DefaultOptions as a starting point.
type Options struct {
	// MaxOutput bounds every decompression attempt.
	MaxOutput uint32
	// FillProbe skips offsets followed by this many identical bytes.
	// 0 disables the probe.
	FillProbe int
	// Resume loads a matching checkpoint before scanning.
	Resume bool

	Step      StepOptions
	Chunk     ChunkOptions
	Region    region.Options
	Validator sprite.Options

	// CheckpointEvery saves progress after this many completed chunks.
	// 0 disables chunk-driven checkpoints.
	CheckpointEvery int
	// CheckpointSchedule is a cron spec for time-driven checkpoints, empty
	// disables them.
	CheckpointSchedule string

	Logger *slog.Logger
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		MaxOutput:          8192,
		FillProbe:          8,
		Resume:             true,
		Step:               DefaultStepOptions(),
		Chunk:              DefaultChunkOptions(),
		Region:             region.DefaultOptions(),
		Validator:          sprite.DefaultOptions(),
		CheckpointEvery:    8,
		CheckpointSchedule: "@every 10s",
	}
}

// Result is the outcome of a scan.
type Result struct {
	State      State
	Candidates []model.Candidate
	// Scanned counts the bytes of the range that were scanned or skipped as
	// padding, out of Total.
	Scanned uint32
	Total   uint32
	// ResumedFrom is the offset the scan restarted at when Resumed is set.
	ResumedFrom  uint32
	Resumed      bool
	FailedChunks []uint32
}

// Engine runs a single scan over a ROM image. It is not reusable.
type Engine struct {
	img       *rom.Image
	port      *decomp.Bounded
	header    decomp.HeaderChecker
	store     checkpoint.Store
	validator *sprite.Validator
	opts      Options
	log       *slog.Logger

	started   atomic.Bool
	state     atomic.Int32
	cancelled atomic.Bool
	fatal     atomic.Pointer[error]

	params      model.Parameters
	grid        uint32
	resumedFrom uint32
	resumed     bool
	skipped     uint32
	chunks      []*chunkState
	completed   atomic.Int32

	mu         sync.Mutex
	candidates map[uint32]model.Candidate

	ckptMu sync.Mutex

	subMu       sync.Mutex
	subscribers []*subscriber
	subsClosed  bool

	done   chan struct{}
	result *Result
	err    error
}

// New creates an engine. store may be nil, in which case progress is kept in
// memory only.
func New(img *rom.Image, port decomp.Port, store checkpoint.Store, opts Options) *Engine {
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	bounded := decomp.NewBounded(port)
	e := &Engine{
		img:        img,
		port:       bounded,
		store:      store,
		validator:  sprite.New(opts.Validator),
		opts:       opts,
		log:        log,
		candidates: make(map[uint32]model.Candidate),
		done:       make(chan struct{}),
	}
	if hc, ok := port.(decomp.HeaderChecker); ok {
		e.header = hc
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Cancel asks the workers to stop at their current offset. Cancelling the
// context passed to Start has the same effect.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Run starts the scan and waits for it to finish.
func (e *Engine) Run(ctx context.Context, params model.Parameters, workers int) (*Result, error) {
	if err := e.Start(ctx, params, workers); err != nil {
		return nil, err
	}
	return e.Wait()
}

// Wait blocks until the scan finishes. The error is nil only for a
// completed scan.
func (e *Engine) Wait() (*Result, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	<-e.done
	return e.result, e.err
}

// Start validates params, restores any matching checkpoint and launches the
// workers. It returns once the scan is running.
func (e *Engine) Start(ctx context.Context, params model.Parameters, workers int) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if workers < 1 {
		workers = 1
	}
	if err := e.prepare(ctx, params, workers); err != nil {
		err = fmt.Errorf("%w: %w", ErrStart, err)
		e.state.Store(int32(Failed))
		e.result = &Result{State: Failed, Total: params.Range().Len()}
		e.err = err
		e.closeSubscribers()
		close(e.done)
		return err
	}

	e.state.Store(int32(Running))
	e.log.Info("Scan started",
		"rom", e.img.ID()[:12], "range", params.Range().String(), "workers", workers,
		"chunks", len(e.chunks), "skipped", e.skipped, "resumed", e.resumed)

	runCtx, stop := context.WithCancel(ctx)
	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			e.Cancel()
		}
	}()

	scheduler := e.startSchedule(runCtx)

	queue := make(chan *chunkState, len(e.chunks))
	for _, cs := range e.chunks {
		queue <- cs
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(runCtx, id, queue)
		}(i)
	}

	go func() {
		wg.Wait()
		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		e.finish(ctx)
		stop()
		e.closeSubscribers()
		close(e.done)
	}()
	return nil
}

func (e *Engine) prepare(ctx context.Context, params model.Parameters, workers int) error {
	if e.img == nil || e.img.Size() == 0 {
		return errors.New("rom image is empty")
	}
	if err := params.Range().Validate(e.img.Size()); err != nil {
		return err
	}
	if params.QualityThreshold < 0 || params.QualityThreshold > 1 {
		return fmt.Errorf("quality threshold %v out of range [0, 1]", params.QualityThreshold)
	}
	if err := e.port.Check(ctx); err != nil {
		return err
	}
	if e.opts.Region.BlockSize == 0 {
		e.opts.Region.BlockSize = region.DefaultOptions().BlockSize
	}
	if e.opts.MaxOutput == 0 {
		e.opts.MaxOutput = DefaultOptions().MaxOutput
	}

	e.params = params
	e.grid = e.opts.Region.BlockSize
	e.resumedFrom = params.Start
	if e.opts.Resume {
		e.restore(ctx)
	}

	verdicts := region.Classify(e.img.Bytes(), params.Range(), e.opts.Region)
	chunkOpts := e.opts.Chunk
	chunkOpts.Align = e.grid
	chunkOpts.Anchor = params.Start

	var surviving uint64
	for _, r := range region.Surviving(verdicts) {
		if r.End <= e.resumedFrom {
			continue
		}
		r.Start = max(r.Start, e.resumedFrom)
		surviving += uint64(r.Len())
		for _, c := range Chunk(r, workers, chunkOpts) {
			c.ID = uint32(len(e.chunks))
			e.chunks = append(e.chunks, newChunkState(c))
		}
	}
	e.skipped = uint32(uint64(params.End-e.resumedFrom) - surviving)
	return nil
}

// restore seeds the engine from a stored checkpoint. Load errors are logged
// and the scan starts from the beginning.
func (e *Engine) restore(ctx context.Context) {
	p, err := e.store.Load(ctx, e.img.ID(), e.params)
	if err != nil {
		e.log.Warn("Ignoring unreadable checkpoint", "err", err)
		return
	}
	if p == nil || p.CompletedThrough <= e.params.Start {
		return
	}

	from := min(p.CompletedThrough, e.params.End)
	if from < e.params.End {
		from = uint32(alignDown(uint64(from), uint64(e.params.Start), uint64(e.grid)))
	}
	if from <= e.params.Start {
		return
	}
	e.resumedFrom = from
	e.resumed = true
	for _, c := range p.Candidates {
		if c.Offset >= e.params.Start && c.Offset < from {
			e.addCandidate(c)
		}
	}
	e.log.Info("Resuming scan", "from", fmt.Sprintf("%#x", from), "candidates", len(e.candidates))
}

func (e *Engine) startSchedule(ctx context.Context) *cron.Cron {
	if e.opts.CheckpointSchedule == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(e.opts.CheckpointSchedule, func() {
		if e.stopped() {
			return
		}
		if err := e.saveCheckpoint(ctx); err != nil {
			e.setFatal(err)
			return
		}
		e.broadcast(e.snapshot())
	})
	if err != nil {
		e.log.Warn("Invalid checkpoint schedule, periodic checkpoints disabled", "schedule", e.opts.CheckpointSchedule, "err", err)
		return nil
	}
	c.Start()
	return c
}

func (e *Engine) stopped() bool {
	return e.cancelled.Load() || e.fatal.Load() != nil
}

func (e *Engine) setFatal(err error) {
	e.fatal.CompareAndSwap(nil, &err)
}

func (e *Engine) addCandidate(c model.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.candidates[c.Offset]; ok && prev.Quality >= c.Quality {
		return
	}
	e.candidates[c.Offset] = c
}

// collect returns the candidates below limit in result order.
func (e *Engine) collect(limit uint32) []model.Candidate {
	e.mu.Lock()
	out := make([]model.Candidate, 0, len(e.candidates))
	for _, c := range e.candidates {
		if c.Offset < limit {
			out = append(out, c)
		}
	}
	e.mu.Unlock()
	model.SortCandidates(out)
	return out
}

// saveCheckpoint persists everything below the current watermark.
func (e *Engine) saveCheckpoint(ctx context.Context) error {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	w := e.watermark()
	p := &model.Progress{
		Params:           e.params,
		CompletedThrough: w,
		Candidates:       e.collect(w),
		UpdatedAt:        time.Now(),
	}
	if err := e.store.Checkpoint(context.WithoutCancel(ctx), e.img.ID(), p); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	e.log.Debug("Checkpoint saved", "through", fmt.Sprintf("%#x", w), "candidates", len(p.Candidates))
	return nil
}

func (e *Engine) finish(ctx context.Context) {
	if ctx.Err() != nil {
		e.Cancel()
	}

	var failed []uint32
	for _, cs := range e.chunks {
		if cs.status.Load() == chunkFailed {
			failed = append(failed, cs.chunk.ID)
		}
	}

	res := &Result{
		ResumedFrom:  e.resumedFrom,
		Resumed:      e.resumed,
		FailedChunks: failed,
		Total:        e.params.Range().Len(),
	}

	var err error
	switch {
	case e.fatal.Load() != nil:
		err = *e.fatal.Load()
		res.State = Failed
	case e.cancelled.Load():
		res.State = Cancelled
		err = ErrCancelled
		if cerr := e.saveCheckpoint(ctx); cerr != nil {
			res.State = Failed
			err = cerr
		}
	case len(failed) > 0:
		res.State = Failed
		if cerr := e.saveCheckpoint(ctx); cerr != nil {
			err = cerr
		}
	default:
		res.State = Completed
		if cerr := e.store.Clear(context.WithoutCancel(ctx), e.img.ID(), e.params); cerr != nil {
			e.log.Warn("Failed to clear checkpoint", "err", cerr)
		}
	}

	res.Candidates = e.collect(e.params.End)
	res.Scanned = e.scanned()
	if res.State == Completed {
		res.Scanned = res.Total
	}
	if len(failed) > 0 && err == nil {
		err = fmt.Errorf("%w: %d chunk(s) failed, partially completed %d of %d bytes",
			ErrIncomplete, len(failed), res.Scanned, res.Total)
	}

	e.result = res
	e.err = err
	e.state.Store(int32(res.State))
	e.broadcast(e.snapshot())

	e.log.Info("Scan finished",
		"state", res.State.String(), "candidates", len(res.Candidates),
		"scanned", res.Scanned, "total", res.Total)
}
