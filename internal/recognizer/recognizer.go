// Package recognizer turns a fixed-size face image into ranked gallery
// candidates.
package recognizer

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"math"
	"strconv"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PlaceholderLabel is reported when the gallery has nothing to compare with.
const PlaceholderLabel = "?"

// ErrNoEnrollmentData is returned by Register for an empty payload.
var ErrNoEnrollmentData = errors.New("enrollment carries neither an embedding nor an input image")

// Embedder computes face embeddings.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

// Gallery stores and searches embeddings.
type Gallery interface {
	Insert(ctx context.Context, name string, vec []float32, crop []byte) (int, error)
	Nearest(ctx context.Context, vec []float32, k int) ([]store.Neighbor, error)
}

// Recognizer matches embeddings against a gallery.
type Recognizer struct {
	embedder Embedder
	gallery  Gallery
	topK     int
}

func New(embedder Embedder, gallery Gallery, topK int) *Recognizer {
	if topK < 1 {
		topK = 1
	}
	return &Recognizer{embedder: embedder, gallery: gallery, topK: topK}
}

// Recognize embeds img and returns candidates ordered best first. It always
// returns at least one candidate: with an empty gallery that is a
// placeholder at infinite distance. When register is set every candidate
// carries the embedding so the face can be enrolled later.
func (r *Recognizer) Recognize(ctx context.Context, img image.Image, register bool) ([]types.Candidate, error) {
	vec, err := r.embedder.Embed(ctx, img)
	if err != nil {
		return nil, errors.Wrap(err, "embedding failed")
	}

	neighbors, err := r.gallery.Nearest(ctx, vec, r.topK)
	if err != nil {
		return nil, errors.Wrap(err, "gallery search failed")
	}

	out := make([]types.Candidate, 0, max(len(neighbors), 1))
	for _, n := range neighbors {
		out = append(out, types.Candidate{
			ID:       strconv.Itoa(n.ID),
			Label:    n.Name,
			Distance: n.Distance,
		})
	}
	if len(out) == 0 {
		out = append(out, types.Candidate{
			ID:       types.PlaceholderIdentity,
			Label:    PlaceholderLabel,
			Distance: math.Inf(1),
		})
	}

	if register {
		for i := range out {
			out[i].Extra = vec
		}
	}
	return out, nil
}

// Register stores a face under label. The embedding captured at detection
// time is used as-is; otherwise it is recomputed from the input image.
func (r *Recognizer) Register(ctx context.Context, label string, e *types.Enrollment) error {
	if e == nil || (len(e.Embedding) == 0 && e.Input == nil) {
		return ErrNoEnrollmentData
	}

	vec := e.Embedding
	if len(vec) == 0 {
		var err error
		if vec, err = r.embedder.Embed(ctx, e.Input); err != nil {
			return errors.Wrap(err, "embedding failed")
		}
	}

	thumb := e.Crop
	if thumb == nil {
		thumb = e.Input
	}
	var crop []byte
	if thumb != nil {
		buf := new(bytes.Buffer)
		if err := jpeg.Encode(buf, thumb, &jpeg.Options{Quality: 70}); err != nil {
			log.WithError(err).Warn("could not encode enrollment thumbnail")
		} else {
			crop = buf.Bytes()
		}
	}

	id, err := r.gallery.Insert(ctx, label, vec, crop)
	if err != nil {
		return errors.Wrap(err, "failed to store identity")
	}
	log.WithFields(log.Fields{"id": id, "name": label, "dim": len(vec)}).Info("identity enrolled")
	return nil
}
