package pipeline

import "github.com/andresmejia3/facewatch/internal/types"

// Sinks fans batches out to several sinks in order.
type Sinks []Sink

func (s Sinks) TrackResults(recs []types.Recognition, timestamp int64) {
	for _, sink := range s {
		sink.TrackResults(recs, timestamp)
	}
}

func (s Sinks) Invalidate() {
	for _, sink := range s {
		sink.Invalidate()
	}
}
