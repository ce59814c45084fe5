// Package transcode drives video export ahead of upload. The Coordinator
// enforces the single-active-session discipline: video assets are
// transcoded strictly one at a time regardless of batch size, while
// uploads of other assets proceed concurrently.
package transcode

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pressline/uploader/internal/assets"
)

// State is the per-asset transcode lifecycle state.
type State string

const (
	// StateNone is reported for assets with no in-flight transcode; entries
	// are released once their result has been delivered.
	StateNone        State = ""
	StatePending     State = "pending"
	StateTranscoding State = "transcoding"
)

// Exporter is the external export service: given a source asset and an
// output path, it produces the transcoded file, reporting fractional
// progress along the way. Output constraints (format, bitrate policy) are
// owned by the implementation, not configurable per call.
type Exporter interface {
	Export(ctx context.Context, asset *assets.Asset, outputPath string, onProgress func(fraction float64)) error
}

// Result is the outcome of one transcode request.
type Result struct {
	OutputPath string
	Size       int64
	Err        error
}

// request is one queued transcode.
type request struct {
	ctx        context.Context
	asset      *assets.Asset
	outputPath string
	onProgress func(float64)
	done       chan Result
}

// Coordinator serializes transcode requests through a single exporter
// session. Requests queue in Pending order and run strictly one at a time.
type Coordinator struct {
	exporter Exporter
	queue    chan *request

	mu     sync.Mutex
	states map[string]State

	stop     chan struct{}
	stopOnce sync.Once
}

// queueCapacity bounds the pending queue. Batches are far smaller than
// this in practice; Export blocks if it is ever reached.
const queueCapacity = 256

// NewCoordinator creates a Coordinator around the given exporter and
// starts its single worker.
func NewCoordinator(exporter Exporter) *Coordinator {
	c := &Coordinator{
		exporter: exporter,
		queue:    make(chan *request, queueCapacity),
		states:   make(map[string]State),
		stop:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Export queues the asset for transcoding and blocks until it completes,
// fails, or ctx is cancelled. onProgress receives fractional completion
// samples in [0, 1] and may be nil.
func (c *Coordinator) Export(ctx context.Context, asset *assets.Asset, outputPath string, onProgress func(float64)) Result {
	c.setState(asset.Ref, StatePending)
	// The entry lives only while the request is in flight; releasing it here
	// keeps the map bounded in a long-lived process.
	defer c.removeState(asset.Ref)

	req := &request{
		ctx:        ctx,
		asset:      asset,
		outputPath: outputPath,
		onProgress: onProgress,
		done:       make(chan Result, 1),
	}

	select {
	case c.queue <- req:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-c.stop:
		return Result{Err: fmt.Errorf("transcode coordinator closed")}
	}

	select {
	case res := <-req.done:
		return res
	case <-ctx.Done():
		// The worker will still finish or abort the export via req.ctx;
		// the result is discarded.
		return Result{Err: ctx.Err()}
	}
}

// State returns the in-flight transcode state for an asset reference, or
// StateNone once its result has been delivered.
func (c *Coordinator) State(ref string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[ref]
}

// Close stops the worker. Queued requests that have not started are failed.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// run is the single transcode worker. Its existence as the only consumer
// of the queue is what guarantees at most one active session.
func (c *Coordinator) run() {
	for {
		select {
		case <-c.stop:
			c.drain()
			return
		case req := <-c.queue:
			c.process(req)
		}
	}
}

// drain fails all still-queued requests after Close.
func (c *Coordinator) drain() {
	for {
		select {
		case req := <-c.queue:
			c.removeState(req.asset.Ref)
			req.done <- Result{Err: fmt.Errorf("transcode coordinator closed")}
		default:
			return
		}
	}
}

// process runs one export session to completion.
func (c *Coordinator) process(req *request) {
	ref := req.asset.Ref

	if err := req.ctx.Err(); err != nil {
		c.removeState(ref)
		req.done <- Result{Err: err}
		return
	}

	c.setState(ref, StateTranscoding)
	log.Info().
		Str("ref", ref).
		Str("output", req.outputPath).
		Msg("Transcode session started")

	err := c.exporter.Export(req.ctx, req.asset, req.outputPath, req.onProgress)
	if err != nil {
		c.removeState(ref)
		log.Warn().Err(err).Str("ref", ref).Msg("Transcode session failed")
		req.done <- Result{Err: err}
		return
	}

	info, err := os.Stat(req.outputPath)
	if err != nil {
		c.removeState(ref)
		req.done <- Result{Err: fmt.Errorf("stat transcoded output: %w", err)}
		return
	}

	c.removeState(ref)
	log.Info().
		Str("ref", ref).
		Int64("output_size", info.Size()).
		Msg("Transcode session complete")
	req.done <- Result{OutputPath: req.outputPath, Size: info.Size()}
}

func (c *Coordinator) setState(ref string, s State) {
	c.mu.Lock()
	c.states[ref] = s
	c.mu.Unlock()
}

func (c *Coordinator) removeState(ref string) {
	c.mu.Lock()
	delete(c.states, ref)
	c.mu.Unlock()
}
