package pipeline

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	faces []types.FaceRegion
	err   error
	// block, when set, holds the first call until closed.
	block chan struct{}
	calls atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error) {
	if d.calls.Add(1) == 1 && d.block != nil {
		<-d.block
	}
	return d.faces, d.err
}

type fakeRecognizer struct {
	mu         sync.Mutex
	candidates []types.Candidate
	err        error
	registers  []bool
}

func (r *fakeRecognizer) Recognize(ctx context.Context, img image.Image, register bool) ([]types.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers = append(r.registers, register)
	if r.err != nil {
		return nil, r.err
	}
	out := make([]types.Candidate, len(r.candidates))
	copy(out, r.candidates)
	if register && len(out) > 0 {
		out[0].Extra = []float32{0.1, 0.2}
	}
	return out, nil
}

func (r *fakeRecognizer) calls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.registers...)
}

type batch struct {
	ts   int64
	recs []types.Recognition
}

type fakeSink struct {
	mu          sync.Mutex
	batches     []batch
	invalidated int
}

func (s *fakeSink) TrackResults(recs []types.Recognition, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch{ts: ts, recs: recs})
}

func (s *fakeSink) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func (s *fakeSink) snapshot() ([]batch, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batch(nil), s.batches...), s.invalidated
}

type fakeEnrollment struct {
	mu      sync.Mutex
	pending bool
	offers  []types.Recognition
}

func (e *fakeEnrollment) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *fakeEnrollment) Offer(rec types.Recognition) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers = append(e.offers, rec)
	return true
}

func newFrame(ts int64, w, h int, facing types.Facing, released *atomic.Int32) types.Frame {
	return types.Frame{
		Timestamp: ts,
		Image:     image.NewRGBA(image.Rect(0, 0, w, h)),
		Facing:    facing,
		Release:   func() { released.Add(1) },
	}
}

func newPipeline(t *testing.T, d Detector, r Recognizer, e Enrollment, s Sink, opts Options) *Pipeline {
	t.Helper()
	p, err := New(d, r, e, s, opts)
	require.NoError(t, err)
	return p
}

func known(distance float64) []types.Candidate {
	return []types.Candidate{{ID: "7", Label: "Jane Doe", Distance: distance}}
}

func TestNewRequiresCollaborators(t *testing.T) {
	d, r, s := &fakeDetector{}, &fakeRecognizer{}, &fakeSink{}

	_, err := New(nil, r, nil, s, Options{})
	assert.ErrorIs(t, err, ErrInitialization)
	_, err = New(d, nil, nil, s, Options{})
	assert.ErrorIs(t, err, ErrInitialization)
	_, err = New(d, r, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrInitialization)
	_, err = New(d, r, nil, s, Options{InputSize: -1})
	assert.ErrorIs(t, err, ErrInitialization)

	p, err := New(d, r, nil, s, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInputSize, p.opts.InputSize)
	assert.Equal(t, DefaultMatchThreshold, p.opts.MatchThreshold)
}

func TestNewGeometry(t *testing.T) {
	g, err := NewGeometry(640, 480, 90, false)
	require.NoError(t, err)
	assert.Equal(t, [2]int{480, 640}, [2]int{g.PortraitW, g.PortraitH})
	assert.Equal(t, [2]int{240, 320}, [2]int{g.CropW, g.CropH})

	full := g.FrameToCrop.MapRect(types.Rect(0, 0, 640, 480))
	assert.InDelta(t, 0, full.X.Lo, 1e-9)
	assert.InDelta(t, 240, full.X.Hi, 1e-9)
	assert.InDelta(t, 0, full.Y.Lo, 1e-9)
	assert.InDelta(t, 320, full.Y.Hi, 1e-9)

	_, err = NewGeometry(1, 480, 0, false)
	assert.ErrorIs(t, err, ErrInitialization)
}

func TestGateDropsFramesWhileBusy(t *testing.T) {
	d := &fakeDetector{block: make(chan struct{})}
	s := &fakeSink{}
	p := newPipeline(t, d, &fakeRecognizer{}, nil, s, Options{})

	var released atomic.Int32
	ctx := context.Background()

	assert.True(t, p.OnFrame(ctx, newFrame(1, 64, 48, types.FacingBack, &released)))
	assert.True(t, p.Busy())
	assert.False(t, p.OnFrame(ctx, newFrame(2, 64, 48, types.FacingBack, &released)))
	assert.False(t, p.OnFrame(ctx, newFrame(3, 64, 48, types.FacingBack, &released)))

	// Every frame is handed back, admitted or not.
	assert.Equal(t, int32(3), released.Load())

	close(d.block)
	p.Wait()
	assert.False(t, p.Busy())

	assert.True(t, p.OnFrame(ctx, newFrame(4, 64, 48, types.FacingBack, &released)))
	p.Wait()

	batches, invalidated := s.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, int64(1), batches[0].ts)
	assert.Equal(t, int64(4), batches[1].ts)
	assert.Equal(t, 2, invalidated)

	st := p.Stats()
	assert.Equal(t, Stats{Admitted: 2, Dropped: 2, Published: 2}, st)
}

func TestEmptyBatchCarriesTimestamp(t *testing.T) {
	s := &fakeSink{}
	r := &fakeRecognizer{}
	p := newPipeline(t, &fakeDetector{}, r, nil, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(42, 64, 48, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, int64(42), batches[0].ts)
	assert.NotNil(t, batches[0].recs)
	assert.Empty(t, batches[0].recs)
	assert.Empty(t, r.calls())
}

func TestDetectorErrorPublishesEmptyBatch(t *testing.T) {
	s := &fakeSink{}
	d := &fakeDetector{err: errors.New("worker died")}
	p := newPipeline(t, d, &fakeRecognizer{}, nil, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(5, 64, 48, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, int64(5), batches[0].ts)
	assert.Empty(t, batches[0].recs)
	assert.False(t, p.Busy())
}

func TestBoxMapping(t *testing.T) {
	cases := []struct {
		name   string
		facing types.Facing
		want   [4]float64
	}{
		{"back", types.FacingBack, [4]float64{20, 40, 120, 160}},
		{"front is mirrored", types.FacingFront, [4]float64{520, 40, 620, 160}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDetector{faces: []types.FaceRegion{{Box: types.Rect(10, 20, 60, 80), Score: 0.9}}}
			s := &fakeSink{}
			p := newPipeline(t, d, &fakeRecognizer{candidates: known(0.4)}, nil, s, Options{})

			var released atomic.Int32
			require.True(t, p.OnFrame(context.Background(), newFrame(1, 640, 480, tc.facing, &released)))
			p.Wait()

			batches, _ := s.snapshot()
			require.Len(t, batches, 1)
			require.Len(t, batches[0].recs, 1)
			loc := batches[0].recs[0].Location
			got := [4]float64{loc.X.Lo, loc.Y.Lo, loc.X.Hi, loc.Y.Hi}
			for i := range got {
				assert.InDelta(t, tc.want[i], got[i], 1e-9)
			}
		})
	}
}

func TestMatchThreshold(t *testing.T) {
	cases := []struct {
		name       string
		candidate  types.Candidate
		title      string
		confidence float64
		matched    bool
	}{
		{"below", types.Candidate{ID: "7", Label: "Jane Doe", Distance: 0.999}, "Jane Doe", 0.999, true},
		{"equal", types.Candidate{ID: "7", Label: "Jane Doe", Distance: 1.0}, types.UnknownLabel, -1, false},
		{"above", types.Candidate{ID: "7", Label: "Jane Doe", Distance: 1.001}, types.UnknownLabel, -1, false},
		{"empty gallery", types.Candidate{ID: "0", Label: "?", Distance: math.Inf(1)}, types.UnknownLabel, -1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Classify(tc.candidate, DefaultMatchThreshold)
			title, confidence, c := Describe(m)
			assert.Equal(t, tc.title, title)
			assert.Equal(t, tc.confidence, confidence)
			_, ok := m.(types.Matched)
			assert.Equal(t, tc.matched, ok)
			if tc.matched {
				assert.Equal(t, ColorMatched, c)
			} else {
				assert.Equal(t, ColorUnknown, c)
			}
		})
	}

	_, _, c := Describe(Classify(types.Candidate{ID: types.PlaceholderIdentity, Label: "?", Distance: 0.2}, 1.0))
	assert.Equal(t, ColorPlaceholder, c)
}

func TestRecognitionThroughPipeline(t *testing.T) {
	d := &fakeDetector{faces: []types.FaceRegion{{Box: types.Rect(10, 10, 40, 40)}}}
	s := &fakeSink{}
	p := newPipeline(t, d, &fakeRecognizer{candidates: known(0.5)}, nil, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(1, 320, 240, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches[0].recs, 1)
	rec := batches[0].recs[0]
	assert.Equal(t, "Jane Doe", rec.Title)
	assert.Equal(t, 0.5, rec.Confidence)
	assert.Equal(t, ColorMatched, rec.Color)
	assert.Equal(t, types.Matched{Identity: "7", Label: "Jane Doe", Distance: 0.5}, rec.Match)
	assert.Nil(t, rec.Crop)
	assert.Nil(t, rec.Enrollment)
}

func TestRecognizerErrorLeavesFaceUnknown(t *testing.T) {
	d := &fakeDetector{faces: []types.FaceRegion{{Box: types.Rect(10, 10, 40, 40)}}}
	s := &fakeSink{}
	p := newPipeline(t, d, &fakeRecognizer{err: errors.New("boom")}, nil, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(1, 320, 240, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches[0].recs, 1)
	assert.Equal(t, types.UnknownLabel, batches[0].recs[0].Title)
	assert.Equal(t, types.Unmatched{}, batches[0].recs[0].Match)
}

func TestEnrollmentGating(t *testing.T) {
	faces := []types.FaceRegion{
		{Box: types.Rect(10, 10, 40, 40)},
		{Box: types.Rect(60, 10, 90, 40)},
	}

	t.Run("not pending", func(t *testing.T) {
		r := &fakeRecognizer{candidates: known(2)}
		e := &fakeEnrollment{}
		s := &fakeSink{}
		p := newPipeline(t, &fakeDetector{faces: faces}, r, e, s, Options{})

		var released atomic.Int32
		require.True(t, p.OnFrame(context.Background(), newFrame(1, 320, 240, types.FacingBack, &released)))
		p.Wait()

		batches, _ := s.snapshot()
		for _, rec := range batches[0].recs {
			assert.Nil(t, rec.Enrollment)
			assert.Nil(t, rec.Crop)
		}
		assert.Equal(t, []bool{false, false}, r.calls())
		assert.Empty(t, e.offers)
	})

	t.Run("pending", func(t *testing.T) {
		r := &fakeRecognizer{candidates: known(2)}
		e := &fakeEnrollment{pending: true}
		s := &fakeSink{}
		p := newPipeline(t, &fakeDetector{faces: faces}, r, e, s, Options{})

		var released atomic.Int32
		require.True(t, p.OnFrame(context.Background(), newFrame(1, 320, 240, types.FacingBack, &released)))
		p.Wait()

		batches, _ := s.snapshot()
		recs := batches[0].recs
		require.Len(t, recs, 2)

		require.NotNil(t, recs[0].Enrollment)
		assert.Equal(t, []float32{0.1, 0.2}, recs[0].Enrollment.Embedding)
		assert.Equal(t, image.Rect(0, 0, DefaultInputSize, DefaultInputSize), recs[0].Enrollment.Input.Bounds())
		assert.Nil(t, recs[1].Enrollment)

		for _, rec := range recs {
			require.NotNil(t, rec.Crop)
			assert.Equal(t, image.Rect(0, 0, 60, 60), rec.Crop.Bounds())
		}

		assert.Equal(t, []bool{true, true}, r.calls())
		require.Len(t, e.offers, 1)
		assert.True(t, e.Pending())
	})
}

func TestCropOutsidePortraitIsOmitted(t *testing.T) {
	// Maps to (600,400)-(680,520) in a 640x480 frame.
	d := &fakeDetector{faces: []types.FaceRegion{{Box: types.Rect(300, 200, 340, 260)}}}
	r := &fakeRecognizer{candidates: known(0.3)}
	s := &fakeSink{}
	p := newPipeline(t, d, r, &fakeEnrollment{pending: true}, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(1, 640, 480, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches[0].recs, 1)
	rec := batches[0].recs[0]
	assert.Nil(t, rec.Crop)
	assert.Equal(t, "Jane Doe", rec.Title)
	assert.Len(t, r.calls(), 1)
}

func TestDegenerateBoxSkipsRecognition(t *testing.T) {
	d := &fakeDetector{faces: []types.FaceRegion{{Box: types.Rect(10, 10, 10, 40)}}}
	r := &fakeRecognizer{candidates: known(0.3)}
	s := &fakeSink{}
	p := newPipeline(t, d, r, nil, s, Options{})

	var released atomic.Int32
	require.True(t, p.OnFrame(context.Background(), newFrame(1, 320, 240, types.FacingBack, &released)))
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches[0].recs, 1)
	assert.Equal(t, types.UnknownLabel, batches[0].recs[0].Title)
	assert.Empty(t, r.calls())
}

func TestWatchdogAbandonsStuckDetection(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDetector{
		faces: []types.FaceRegion{{Box: types.Rect(10, 10, 40, 40)}},
		block: make(chan struct{}),
	}
	s := &fakeSink{}
	p := newPipeline(t, d, &fakeRecognizer{candidates: known(0.3)}, nil, s, Options{
		DetectTimeout: 5 * time.Second,
		Clock:         mock,
	})

	var released atomic.Int32
	ctx := context.Background()
	require.True(t, p.OnFrame(ctx, newFrame(1, 320, 240, types.FacingBack, &released)))

	mock.Add(4 * time.Second)
	assert.True(t, p.Busy())

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return !p.Busy() }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Abandoned)

	require.True(t, p.OnFrame(ctx, newFrame(2, 320, 240, types.FacingBack, &released)))
	assert.Eventually(t, func() bool { return !p.Busy() }, time.Second, time.Millisecond)

	// The stuck call finally returns; its result must not surface.
	close(d.block)
	p.Wait()

	batches, _ := s.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, int64(2), batches[0].ts)
	assert.Equal(t, uint64(1), p.Stats().Published)
}

func TestSinksFanOut(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	sinks := Sinks{a, b}

	sinks.Invalidate()
	sinks.TrackResults([]types.Recognition{}, 9)

	for _, s := range []*fakeSink{a, b} {
		batches, invalidated := s.snapshot()
		assert.Equal(t, 1, invalidated)
		require.Len(t, batches, 1)
		assert.Equal(t, int64(9), batches[0].ts)
	}
}
