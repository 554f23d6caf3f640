// Package source turns an MJPEG byte stream (normally ffmpeg reading a
// camera) into timestamped frames.
package source

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

const megabyte = 1024 * 1024

// Options describe how frames from the stream are oriented.
type Options struct {
	Rotation int
	Facing   types.Facing
}

// Stream decodes JPEG frames from r. Frame buffers are pooled; each frame
// must be released with Frame.Done.
type Stream struct {
	r    io.Reader
	opts Options

	pool sync.Pool
	ts   int64

	frames  atomic.Uint64
	corrupt atomic.Uint64
}

// NewStream reads concatenated JPEG images from r.
func NewStream(r io.Reader, opts Options) *Stream {
	return &Stream{r: r, opts: opts}
}

// Run decodes frames until the stream ends or ctx is done, handing each to
// fn on the calling goroutine. A clean end of stream returns nil.
func (s *Stream) Run(ctx context.Context, fn func(types.Frame)) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			s.corrupt.Add(1)
			log.WithError(err).Warn("skipping undecodable frame")
			continue
		}

		buf := s.buffer(img.Bounds())
		draw.Draw(buf, buf.Bounds(), img, img.Bounds().Min, draw.Src)

		s.ts++
		s.frames.Add(1)
		fn(types.Frame{
			Timestamp: s.ts,
			Image:     buf,
			Rotation:  s.opts.Rotation,
			Facing:    s.opts.Facing,
			Release:   func() { s.pool.Put(buf) },
		})
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "frame scanner failed")
	}
	return ctx.Err()
}

// buffer returns a pooled RGBA image with origin-based bounds matching b.
// Buffers of another size are dropped.
func (s *Stream) buffer(b image.Rectangle) *image.RGBA {
	want := image.Rect(0, 0, b.Dx(), b.Dy())
	if v, ok := s.pool.Get().(*image.RGBA); ok && v.Rect == want {
		return v
	}
	return image.NewRGBA(want)
}

// Frames is the number of frames delivered so far.
func (s *Stream) Frames() uint64 { return s.frames.Load() }

// Corrupt is the number of frames that failed to decode.
func (s *Stream) Corrupt() uint64 { return s.corrupt.Load() }

// Camera is a Stream fed by an ffmpeg capture process.
type Camera struct {
	*Stream
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
}

// OpenCamera starts ffmpeg on the configured device.
func OpenCamera(ctx context.Context, cfg config.CameraConfig) (*Camera, error) {
	facing, err := types.ParseFacing(cfg.Facing)
	if err != nil {
		return nil, err
	}

	c := &Camera{cmd: utils.NewCameraCmd(ctx, cfg.Device, cfg.Format, cfg.Width, cfg.Height, cfg.FPS)}
	c.cmd.Stderr = &c.stderr

	c.stdout, err = c.cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ffmpeg stdout pipe")
	}
	if err := c.cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	log.WithFields(log.Fields{
		"device": cfg.Device,
		"size":   [2]int{cfg.Width, cfg.Height},
		"fps":    cfg.FPS,
	}).Info("camera opened")

	c.Stream = NewStream(c.stdout, Options{Rotation: cfg.Rotation, Facing: facing})
	return c, nil
}

// Run streams frames and then reaps ffmpeg. Cancellation is not an error.
func (c *Camera) Run(ctx context.Context, fn func(types.Frame)) error {
	streamErr := c.Stream.Run(ctx, fn)
	waitErr := c.cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, "ffmpeg exited: %s", bytes.TrimSpace(c.stderr.Bytes()))
	}
	return nil
}

// Close stops ffmpeg by closing its output. Closing after Run is a no-op.
func (c *Camera) Close() error {
	if err := c.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
