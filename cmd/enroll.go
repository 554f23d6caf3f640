package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/enroll"
	"github.com/andresmejia3/facewatch/internal/geometry"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/recognizer"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var enrollName string

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>",
	Short: "Add the face in a photo to the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollName, Cfg)
	},
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image_path>",
	Short: "Look up the face in a photo against the gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecognize(cmd.Context(), args[0], Cfg)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollName, "name", "n", "", `Full name, at least two words (e.g. "Jane Doe")`)
	enrollCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(recognizeCmd)
}

// stillFace is the recognition input cut from a photo.
type stillFace struct {
	Input *image.RGBA
	Crop  *image.RGBA
	Count int
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return img, nil
}

// largestFace picks the detection with the biggest box.
func largestFace(faces []types.FaceRegion) types.FaceRegion {
	area := func(f types.FaceRegion) float64 {
		s := f.Box.Size()
		return s.X * s.Y
	}

	best := faces[0]
	for _, f := range faces[1:] {
		if area(f) > area(best) {
			best = f
		}
	}
	return best
}

// extractFace detects faces on the whole photo and renders the largest one
// to the recognition input size.
func extractFace(ctx context.Context, d pipeline.Detector, img image.Image, inputSize int) (*stillFace, error) {
	faces, err := d.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}

	box := largestFace(faces).Box
	toInput, err := geometry.BuildFaceCropTransform(box, inputSize)
	if err != nil {
		return nil, err
	}

	input := image.NewRGBA(image.Rect(0, 0, inputSize, inputSize))
	geometry.Render(input, img, toInput)

	// Boxes may poke out of the photo; the thumbnail is optional.
	crop, _ := geometry.Crop(img, box.Intersection(types.Rect(0, 0, float64(img.Bounds().Dx()), float64(img.Bounds().Dy()))))

	return &stillFace{Input: input, Crop: crop, Count: len(faces)}, nil
}

func startWorker(ctx context.Context, cfg *config.Config) (*worker.PythonWorker, error) {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	return worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:             cfg.Worker.Python,
		Script:             cfg.Worker.Script,
		DetectionThreshold: cfg.Worker.DetectionThreshold,
		Debug:              cfg.Worker.Debug,
	})
}

func runEnroll(ctx context.Context, imagePath, name string, cfg *config.Config) error {
	name, err := enroll.ValidateName(name)
	if err != nil {
		return err
	}
	img, err := loadImage(imagePath)
	if err != nil {
		return err
	}

	w, err := startWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	face, err := extractFace(ctx, w, img, cfg.Pipeline.InputSize)
	if err != nil {
		return err
	}
	if face == nil {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if face.Count > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", face.Count)
	}

	e := &types.Enrollment{Input: face.Input}
	if face.Crop != nil {
		e.Crop = face.Crop
	}
	rec := recognizer.New(w, DB, cfg.Pipeline.TopK)
	if err := rec.Register(ctx, name, e); err != nil {
		return err
	}
	fmt.Printf("✅ Enrolled '%s'\n", name)
	return nil
}

func runRecognize(ctx context.Context, imagePath string, cfg *config.Config) error {
	img, err := loadImage(imagePath)
	if err != nil {
		return err
	}

	w, err := startWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	face, err := extractFace(ctx, w, img, cfg.Pipeline.InputSize)
	if err != nil {
		return err
	}
	if face == nil {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	rec := recognizer.New(w, DB, cfg.Pipeline.TopK)
	candidates, err := rec.Recognize(ctx, face.Input, false)
	if err != nil {
		return err
	}

	m := pipeline.Classify(candidates[0], cfg.Pipeline.MatchThreshold)
	if matched, ok := m.(types.Matched); ok {
		fmt.Printf("✅ Found Match: %s (ID: %s, distance %.3f)\n", matched.Label, matched.Identity, matched.Distance)
		return nil
	}
	fmt.Println("❌ No match found in gallery.")
	return nil
}
