// Package pipeline admits camera frames one at a time, runs face detection
// and recognition on them in the background, and publishes timestamped
// recognition batches to its sinks.
package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/geometry"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// ErrInitialization is returned when the pipeline cannot be assembled.
var ErrInitialization = errors.New("pipeline initialization failed")

// DefaultInputSize is the side of the square recognition input.
const DefaultInputSize = 112

// Detector finds faces in the detector crop. Boxes are in crop coordinates.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error)
}

// Recognizer ranks gallery candidates for a fixed-size face image. With
// register set the candidates carry the embedding.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, register bool) ([]types.Candidate, error)
}

// Sink receives published batches and a redraw signal per admitted frame.
// Sinks share the batch slice and must not modify it.
type Sink interface {
	TrackResults(recs []types.Recognition, timestamp int64)
	Invalidate()
}

// Enrollment decides whether cycles collect enrollment payloads and
// receives the first recognition that carries one.
type Enrollment interface {
	Pending() bool
	Offer(rec types.Recognition) bool
}

// Options tune the pipeline. Zero values pick the defaults.
type Options struct {
	InputSize      int
	MaintainAspect bool
	MatchThreshold float64
	// DetectTimeout abandons cycles that run longer. Zero disables it.
	DetectTimeout time.Duration
	Clock         clock.Clock
}

// Stats are cumulative frame counters.
type Stats struct {
	Admitted  uint64 `json:"admitted"`
	Dropped   uint64 `json:"dropped"`
	Published uint64 `json:"published"`
	Abandoned uint64 `json:"abandoned"`
}

// Pipeline is the frame sequencer. At most one frame is in detection at any
// time; frames arriving meanwhile are dropped, never queued.
type Pipeline struct {
	detector   Detector
	recognizer Recognizer
	enrollment Enrollment
	sink       Sink
	opts       Options

	busy atomic.Bool

	// Only touched by the goroutine holding the gate.
	geo   *Geometry
	spare *buffers

	admitted  atomic.Uint64
	dropped   atomic.Uint64
	published atomic.Uint64
	abandoned atomic.Uint64

	wg sync.WaitGroup
}

// New wires a pipeline. enrollment may be nil when faces are never enrolled.
func New(detector Detector, recognizer Recognizer, enrollment Enrollment, sink Sink, opts Options) (*Pipeline, error) {
	if detector == nil {
		return nil, errors.Wrap(ErrInitialization, "no detector")
	}
	if recognizer == nil {
		return nil, errors.Wrap(ErrInitialization, "no recognizer")
	}
	if sink == nil {
		return nil, errors.Wrap(ErrInitialization, "no result sink")
	}
	if opts.InputSize == 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.InputSize < 0 {
		return nil, errors.Wrapf(ErrInitialization, "recognition input size %d", opts.InputSize)
	}
	if opts.MatchThreshold == 0 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Pipeline{
		detector:   detector,
		recognizer: recognizer,
		enrollment: enrollment,
		sink:       sink,
		opts:       opts,
	}, nil
}

// buffers are the render targets of one cycle.
type buffers struct {
	rgb      *image.RGBA
	crop     *image.RGBA
	portrait *image.RGBA
	face     *image.RGBA
}

func newBuffers(g *Geometry, inputSize int) *buffers {
	return &buffers{
		rgb:      image.NewRGBA(image.Rect(0, 0, g.FrameW, g.FrameH)),
		crop:     image.NewRGBA(image.Rect(0, 0, g.CropW, g.CropH)),
		portrait: image.NewRGBA(image.Rect(0, 0, g.PortraitW, g.PortraitH)),
		face:     image.NewRGBA(image.Rect(0, 0, inputSize, inputSize)),
	}
}

const (
	cycleRunning int32 = iota
	cycleFinished
	cycleAbandoned
)

// cycle is one admitted frame on its way through detection.
type cycle struct {
	timestamp int64
	facing    types.Facing
	enroll    bool
	geo       *Geometry
	bufs      *buffers
	started   time.Time

	state  atomic.Int32
	done   chan struct{}
	cancel context.CancelFunc
}

func (c *cycle) finish() bool  { return c.state.CompareAndSwap(cycleRunning, cycleFinished) }
func (c *cycle) abandon() bool { return c.state.CompareAndSwap(cycleRunning, cycleAbandoned) }

// OnFrame offers a frame to the pipeline and reports whether it was
// admitted. The frame buffer is released before OnFrame returns in both
// cases; detection continues in the background.
func (p *Pipeline) OnFrame(ctx context.Context, frame types.Frame) bool {
	if !p.busy.CompareAndSwap(false, true) {
		frame.Done()
		p.dropped.Add(1)
		log.WithField("ts", frame.Timestamp).Debug("detection in flight, dropping frame")
		return false
	}

	if frame.Image == nil {
		frame.Done()
		p.busy.Store(false)
		return false
	}

	if !p.geo.matches(frame.Width(), frame.Height(), frame.Rotation) {
		g, err := NewGeometry(frame.Width(), frame.Height(), frame.Rotation, p.opts.MaintainAspect)
		if err != nil {
			frame.Done()
			p.busy.Store(false)
			log.WithError(err).Error("unusable frame geometry")
			return false
		}
		p.geo, p.spare = g, nil
		log.WithFields(log.Fields{
			"frame":    [2]int{g.FrameW, g.FrameH},
			"crop":     [2]int{g.CropW, g.CropH},
			"rotation": g.Rotation,
		}).Info("preview geometry configured")
	}

	p.sink.Invalidate()

	bufs := p.spare
	p.spare = nil
	if bufs == nil {
		bufs = newBuffers(p.geo, p.opts.InputSize)
	}

	draw.Draw(bufs.rgb, bufs.rgb.Bounds(), frame.Image, frame.Image.Bounds().Min, draw.Src)
	frame.Done()
	geometry.Render(bufs.crop, bufs.rgb, p.geo.FrameToCrop)

	c := &cycle{
		timestamp: frame.Timestamp,
		facing:    frame.Facing,
		enroll:    p.enrollment != nil && p.enrollment.Pending(),
		geo:       p.geo,
		bufs:      bufs,
		started:   p.opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	p.admitted.Add(1)
	log.WithFields(log.Fields{"ts": c.timestamp, "enroll": c.enroll}).Debug("frame admitted")

	if p.opts.DetectTimeout > 0 {
		// Armed here so the deadline counts from admission.
		timer := p.opts.Clock.Timer(p.opts.DetectTimeout)
		go p.watch(c, timer)
	}

	p.wg.Add(1)
	go p.run(cctx, c)
	return true
}

func (p *Pipeline) run(ctx context.Context, c *cycle) {
	defer p.wg.Done()
	defer close(c.done)
	defer c.cancel()

	recs, err := p.process(ctx, c)

	if !c.finish() {
		log.WithField("ts", c.timestamp).Warn("discarding result of abandoned detection")
		return
	}

	switch {
	case ctx.Err() != nil:
		log.WithField("ts", c.timestamp).Debug("detection cancelled")
	case err != nil:
		log.WithError(err).WithField("ts", c.timestamp).Error("face detection failed")
		p.publish(c, []types.Recognition{})
	default:
		p.publish(c, recs)
	}

	p.spare = c.bufs
	p.busy.Store(false)
}

// watch releases the gate when a cycle overruns its deadline.
func (p *Pipeline) watch(c *cycle, timer *clock.Timer) {
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		if !c.abandon() {
			return
		}
		c.cancel()
		p.abandoned.Add(1)
		log.WithFields(log.Fields{
			"ts":      c.timestamp,
			"timeout": p.opts.DetectTimeout,
		}).Warn("detection timed out, releasing gate")
		p.busy.Store(false)
	}
}

func (p *Pipeline) process(ctx context.Context, c *cycle) ([]types.Recognition, error) {
	faces, err := p.detector.Detect(ctx, c.bufs.crop)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return []types.Recognition{}, nil
	}

	geometry.Render(c.bufs.portrait, c.bufs.rgb, c.geo.FrameToPortrait)

	recs := make([]types.Recognition, 0, len(faces))
	for i, face := range faces {
		recs = append(recs, p.enrich(ctx, c, i, face))
	}
	return recs, nil
}

// enrich turns one detector box into a Recognition. Failures only affect
// this face.
func (p *Pipeline) enrich(ctx context.Context, c *cycle, index int, face types.FaceRegion) types.Recognition {
	frameBox := c.geo.CropToFrame.MapRect(face.Box)
	portraitBox := c.geo.FrameToPortrait.MapRect(frameBox)

	rec := types.Recognition{Match: types.Unmatched{}}
	rec.Title, rec.Confidence, rec.Color = Describe(rec.Match)
	rec.Location = frameBox
	if c.facing == types.FacingFront {
		rec.Location = c.geo.Mirror.MapRect(frameBox)
	}

	fields := log.Fields{"ts": c.timestamp, "face": index}

	if c.enroll {
		crop, err := geometry.Crop(c.bufs.portrait, portraitBox)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("omitting face crop")
		} else {
			rec.Crop = crop
		}
	}

	toInput, err := geometry.BuildFaceCropTransform(portraitBox, p.opts.InputSize)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("skipping recognition")
		return rec
	}
	geometry.Clear(c.bufs.face)
	geometry.Render(c.bufs.face, c.bufs.portrait, toInput)

	candidates, err := p.recognizer.Recognize(ctx, c.bufs.face, c.enroll)
	if err != nil {
		log.WithError(err).WithFields(fields).Error("recognition failed")
		return rec
	}
	if len(candidates) == 0 {
		return rec
	}

	top := candidates[0]
	rec.Match = Classify(top, p.opts.MatchThreshold)
	rec.Title, rec.Confidence, rec.Color = Describe(rec.Match)

	if c.enroll && index == 0 && top.Extra != nil {
		rec.Enrollment = &types.Enrollment{
			Input:     geometry.CloneRGBA(c.bufs.face),
			Embedding: top.Extra,
			Crop:      rec.Crop,
		}
	}

	if m, ok := rec.Match.(types.Matched); ok {
		log.WithFields(fields).WithFields(log.Fields{"identity": m.Identity, "distance": m.Distance}).Debug("face matched")
	}
	return rec
}

func (p *Pipeline) publish(c *cycle, recs []types.Recognition) {
	p.sink.TrackResults(recs, c.timestamp)
	p.published.Add(1)

	if len(recs) > 0 && recs[0].Enrollment != nil && p.enrollment != nil {
		p.enrollment.Offer(recs[0])
	}

	entry := log.WithFields(log.Fields{
		"ts":      c.timestamp,
		"faces":   len(recs),
		"latency": p.opts.Clock.Since(c.started),
	})
	if len(recs) > 0 {
		entry.Info("recognition batch published")
	} else {
		entry.Debug("recognition batch published")
	}
}

// Busy reports whether a detection cycle holds the gate.
func (p *Pipeline) Busy() bool {
	return p.busy.Load()
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Admitted:  p.admitted.Load(),
		Dropped:   p.dropped.Load(),
		Published: p.published.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

// Wait blocks until every dispatched cycle has returned, including
// abandoned ones.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
