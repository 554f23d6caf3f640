// Package tracker keeps the faces currently on screen and gives each one a
// stable track id across batches.
package tracker

import (
	"image/color"
	"slices"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/golang/geo/r2"
	log "github.com/sirupsen/logrus"
)

// DefaultMinOverlap is the IoU a box needs to keep an existing track id.
const DefaultMinOverlap = 0.3

// Track is one face on screen.
type Track struct {
	ID         int        `json:"id"`
	Title      string     `json:"title"`
	Confidence float64    `json:"confidence"`
	Matched    bool       `json:"matched"`
	Location   r2.Rect    `json:"-"`
	Color      color.RGBA `json:"-"`
	Timestamp  int64      `json:"timestamp"`
	Age        int        `json:"age"`
}

// MultiBox is the display-side result sink.
type MultiBox struct {
	minOverlap float64

	mu       sync.RWMutex
	tracks   []Track
	nextID   int
	latest   int64
	seen     bool
	redraws  int
	stale    int
	onUpdate func([]Track)
}

func NewMultiBox(minOverlap float64) *MultiBox {
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}
	return &MultiBox{minOverlap: minOverlap, nextID: 1}
}

// OnUpdate registers fn to receive a copy of the tracks after each batch.
func (m *MultiBox) OnUpdate(fn func([]Track)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// TrackResults replaces the on-screen faces with recs. Batches older than
// the newest one already shown are dropped.
func (m *MultiBox) TrackResults(recs []types.Recognition, timestamp int64) {
	m.mu.Lock()
	if m.seen && timestamp < m.latest {
		m.stale++
		m.mu.Unlock()
		log.WithFields(log.Fields{"timestamp": timestamp, "latest": m.latest}).Debug("dropping stale batch")
		return
	}
	m.seen = true
	m.latest = timestamp

	prev := m.tracks
	used := make([]bool, len(prev))
	next := make([]Track, 0, len(recs))

	for _, rec := range recs {
		best, bestIoU := -1, m.minOverlap
		for i, p := range prev {
			if used[i] {
				continue
			}
			if iou := IoU(rec.Location, p.Location); iou >= bestIoU {
				best, bestIoU = i, iou
			}
		}

		t := Track{
			Title:      rec.Title,
			Confidence: rec.Confidence,
			Matched:    rec.IsMatched(),
			Location:   rec.Location,
			Color:      rec.Color,
			Timestamp:  timestamp,
		}
		if best >= 0 {
			used[best] = true
			t.ID = prev[best].ID
			t.Age = prev[best].Age + 1
		} else {
			t.ID = m.nextID
			m.nextID++
		}
		next = append(next, t)
	}

	m.tracks = next
	fn := m.onUpdate
	snapshot := slices.Clone(next)
	m.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Invalidate marks the overlay as needing a redraw.
func (m *MultiBox) Invalidate() {
	m.mu.Lock()
	m.redraws++
	m.mu.Unlock()
}

// Tracks returns a copy of the faces currently on screen.
func (m *MultiBox) Tracks() []Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tracks)
}

// Redraws returns how many times the overlay was invalidated.
func (m *MultiBox) Redraws() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.redraws
}

// Stale returns how many batches were dropped for being out of date.
func (m *MultiBox) Stale() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stale
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b r2.Rect) float64 {
	inter := a.Intersection(b)
	if inter.IsEmpty() {
		return 0
	}
	i := inter.X.Length() * inter.Y.Length()
	union := a.X.Length()*a.Y.Length() + b.X.Length()*b.Y.Length() - i
	if union <= 0 {
		return 0
	}
	return i / union
}
