package cmd

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/tracker"
	"github.com/spf13/viper"
)

func TestPipelineOptions(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Pipeline.DetectTimeout = 3 * time.Second
	cfg.Pipeline.MaintainAspect = true

	opts := pipelineOptions(cfg)
	if opts.InputSize != 112 || opts.MatchThreshold != 1.0 {
		t.Errorf("Unexpected defaults %+v", opts)
	}
	if opts.DetectTimeout != 3*time.Second || !opts.MaintainAspect {
		t.Errorf("Options not carried over: %+v", opts)
	}
	if opts.Clock != nil {
		t.Error("Expected the pipeline to pick the wall clock")
	}
}

func TestDescribeTracks(t *testing.T) {
	tests := []struct {
		name   string
		tracks []tracker.Track
		want   string
	}{
		{"empty", nil, "👀 no faces"},
		{"unknown", []tracker.Track{{Title: "unknown", Confidence: -1}}, "👤 unknown"},
		{
			"mixed",
			[]tracker.Track{{Title: "Jane Doe", Confidence: 0.42, Matched: true}, {Title: "unknown"}},
			"👤 Jane Doe (0.42), unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeTracks(tt.tracks); got != tt.want {
				t.Errorf("describeTracks() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Sure?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if out.String() != "Sure? [y/N]: " {
			t.Errorf("Unexpected prompt %q", out.String())
		}
	}
}

func TestOpenGalleryMemory(t *testing.T) {
	g, err := openGallery(context.Background(), store.MemoryURL)
	if err != nil {
		t.Fatalf("openGallery failed: %v", err)
	}
	if _, ok := g.(*store.Memory); !ok {
		t.Errorf("Expected the in-memory gallery, got %T", g)
	}
}
