package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/enroll"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/publish"
	"github.com/andresmejia3/facewatch/internal/recognizer"
	"github.com/andresmejia3/facewatch/internal/server"
	"github.com/andresmejia3/facewatch/internal/source"
	"github.com/andresmejia3/facewatch/internal/tracker"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Recognize faces on a live camera feed",
	Long: "Streams frames from the camera, detects and recognizes faces on the most recent frame " +
		"whenever the detector is free, and publishes the results. Enrollment requests arrive over the control API.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runLive(cmd.Context(), Cfg); err != nil {
			utils.Die("Live recognition failed", err, nil)
		}
	},
}

func init() {
	flags := liveCmd.Flags()
	flags.StringP("device", "i", "", "Camera device or video file (default /dev/video0)")
	flags.IntP("rotation", "r", 0, "Sensor rotation relative to the display in degrees")
	flags.String("facing", "", "Camera facing: back or front")
	flags.Bool("mqtt", false, "Publish recognitions to the configured MQTT broker")
	flags.Float64P("threshold", "t", 0, "Match threshold (lower is stricter)")

	v.BindPFlag("camera.device", flags.Lookup("device"))
	v.BindPFlag("camera.rotation", flags.Lookup("rotation"))
	v.BindPFlag("camera.facing", flags.Lookup("facing"))
	v.BindPFlag("mqtt.enabled", flags.Lookup("mqtt"))
	v.BindPFlag("pipeline.match_threshold", flags.Lookup("threshold"))

	rootCmd.AddCommand(liveCmd)
}

// pipelineOptions maps the configuration onto the frame pipeline.
func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		InputSize:      cfg.Pipeline.InputSize,
		MaintainAspect: cfg.Pipeline.MaintainAspect,
		MatchThreshold: cfg.Pipeline.MatchThreshold,
		DetectTimeout:  cfg.Pipeline.DetectTimeout,
	}
}

// describeTracks renders the faces on screen for the status line.
func describeTracks(tracks []tracker.Track) string {
	if len(tracks) == 0 {
		return "👀 no faces"
	}
	names := make([]string, 0, len(tracks))
	for _, t := range tracks {
		if t.Matched {
			names = append(names, fmt.Sprintf("%s (%.2f)", t.Title, t.Confidence))
		} else {
			names = append(names, t.Title)
		}
	}
	return "👤 " + strings.Join(names, ", ")
}

// drain waits for in-flight cycles. A worker that does not answer within
// grace is closed so its pending call fails.
func drain(p *pipeline.Pipeline, w *worker.PythonWorker, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("worker still busy, closing it")
		w.Close()
		<-done
	}
}

func runLive(ctx context.Context, cfg *config.Config) (err error) {
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:             cfg.Worker.Python,
		Script:             cfg.Worker.Script,
		DetectionThreshold: cfg.Worker.DetectionThreshold,
		Debug:              cfg.Worker.Debug,
	})
	if err != nil {
		return err
	}
	defer func() {
		w.Close()
		if err != nil && w.Logs() != "" {
			fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", w.Logs())
		}
	}()

	rec := recognizer.New(w, DB, cfg.Pipeline.TopK)
	enrollment := enroll.NewController(rec)
	tracks := tracker.NewMultiBox(cfg.Pipeline.TrackerMinOverlap)
	sinks := pipeline.Sinks{tracks}

	var pub *publish.Publisher
	if cfg.MQTT.Enabled {
		pub = publish.New(cfg.MQTT)
		if err := pub.Connect(); err != nil {
			// Auto-reconnect keeps trying in the background.
			log.WithError(err).Warn("MQTT broker unavailable")
		}
		sinks = append(sinks, pub)
	}

	p, err := pipeline.New(w, rec, enrollment, sinks, pipelineOptions(cfg))
	if err != nil {
		return err
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server, server.Deps{
			Enroller: enrollment,
			Gallery:  DB,
			Tracks:   tracks,
			Stats:    p.Stats,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.WithError(err).Error("control API stopped")
			}
		}()
	}

	camera, err := source.OpenCamera(ctx, cfg.Camera)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("📷 FaceWatch"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	tracks.OnUpdate(func(ts []tracker.Track) {
		bar.Describe(describeTracks(ts))
	})

	runErr := camera.Run(ctx, func(f types.Frame) {
		p.OnFrame(ctx, f)
		bar.Add(1)
	})
	bar.Finish()

	drain(p, w, 5*time.Second)
	st := p.Stats()
	fmt.Fprintf(os.Stderr, "\n🏁 Stopped. %d frames admitted, %d dropped, %d timed out.\n", st.Admitted, st.Dropped, st.Abandoned)

	err = multierr.Append(err, runErr)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		cancel()
	}
	if pub != nil {
		err = multierr.Append(err, pub.Close())
	}
	return err
}
