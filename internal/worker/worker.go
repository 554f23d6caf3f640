package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// Request opcodes understood by python/worker.py.
const (
	opPing   byte = 0
	opDetect byte = 1
	opEmbed  byte = 2
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// faceRecordSize is the wire size of one detection: five float32 values.
const faceRecordSize = 5 * 4

// ErrWorkerClosed is returned for calls made after Close.
var ErrWorkerClosed = errors.New("worker is closed")

// Config selects the interpreter and model options for the worker process.
type Config struct {
	Python             string
	Script             string
	DetectionThreshold float64
	Debug              bool
}

// PythonWorker runs the face models in a child process. Requests go over
// stdin and replies come back on FD 3 so that library chatter on stdout can
// never corrupt the stream. Calls are serialized; a caller waiting for its
// turn gives up when its context is done.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	turn      chan struct{}
	turnOnce  sync.Once
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPythonWorker starts the worker and waits for it to load its models.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := []string{"-u", cfg.Script, "--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64)}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(cfg.Python, args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}
	w.Close()

	pw := &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}
	if err := pw.Ping(ctx); err != nil {
		pw.Close()
		return nil, errors.Wrapf(err, "worker %d failed to load models", id)
	}
	log.WithField("worker", id).Debug("python worker ready")
	return pw, nil
}

// Communicate sends one framed request and returns the framed reply.
// Protocol: [Length uint32][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call frames op and img, runs the round trip and strips the status byte.
func (w *PythonWorker) call(ctx context.Context, op byte, img image.Image) (*bytes.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := w.acquire(ctx); err != nil {
		return nil, err
	}
	defer w.release()
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}

	req := new(bytes.Buffer)
	req.WriteByte(op)
	if img != nil {
		rgba := toRGBA(img)
		b := rgba.Bounds()
		binary.Write(req, binary.BigEndian, uint32(b.Dx()))
		binary.Write(req, binary.BigEndian, uint32(b.Dy()))
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := rgba.PixOffset(b.Min.X, y)
			req.Write(rgba.Pix[off : off+b.Dx()*4])
		}
	}

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "worker communication failed")
	}
	if len(resp) == 0 {
		return nil, errors.New("worker returned an empty reply")
	}

	body := bytes.NewReader(resp[1:])
	if resp[0] == statusError {
		var msgLen uint32
		if err := binary.Read(body, binary.BigEndian, &msgLen); err != nil {
			return nil, errors.Wrap(err, "malformed worker error")
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(body, msg); err != nil {
			return nil, errors.Wrap(err, "malformed worker error")
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if resp[0] != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
	return body, nil
}

// acquire waits for the worker to be free. A request already on the wire
// runs to completion so the reply stream stays framed.
func (w *PythonWorker) acquire(ctx context.Context) error {
	w.turnOnce.Do(func() { w.turn = make(chan struct{}, 1) })
	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		w.release()
		return err
	}
	return nil
}

func (w *PythonWorker) release() { <-w.turn }

// Ping checks that the worker is alive and its models are loaded.
func (w *PythonWorker) Ping(ctx context.Context) error {
	_, err := w.call(ctx, opPing, nil)
	return err
}

// Detect returns the faces found in img, in img's own pixel coordinates.
// Reply: [NumFaces uint32] then per face [Left Top Right Bottom Score float32].
func (w *PythonWorker) Detect(ctx context.Context, img image.Image) ([]types.FaceRegion, error) {
	body, err := w.call(ctx, opDetect, img)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(body, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "failed to read face count")
	}
	if int64(n)*faceRecordSize > int64(body.Len()) {
		return nil, fmt.Errorf("face count %d exceeds reply", n)
	}

	faces := make([]types.FaceRegion, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec [5]float32
		if err := binary.Read(body, binary.BigEndian, &rec); err != nil {
			return nil, errors.Wrapf(err, "failed to read face %d", i)
		}
		faces = append(faces, types.FaceRegion{
			Box:   types.Rect(float64(rec[0]), float64(rec[1]), float64(rec[2]), float64(rec[3])),
			Score: float64(rec[4]),
		})
	}
	return faces, nil
}

// Embed returns the face embedding of a recognition input image.
// Reply: [Dim uint32][Dim x float32].
func (w *PythonWorker) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	body, err := w.call(ctx, opEmbed, img)
	if err != nil {
		return nil, err
	}

	var dim uint32
	if err := binary.Read(body, binary.BigEndian, &dim); err != nil {
		return nil, errors.Wrap(err, "failed to read embedding size")
	}
	if int64(dim)*4 > int64(body.Len()) {
		return nil, fmt.Errorf("embedding size %d exceeds reply", dim)
	}

	vec := make([]float32, dim)
	if err := binary.Read(body, binary.BigEndian, vec); err != nil {
		return nil, errors.Wrap(err, "failed to read embedding")
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("embedding component %d is NaN", i)
		}
	}
	return vec, nil
}

// Close shuts the worker down and reaps the process. Closing the pipes
// unblocks a call that is still waiting on a reply.
func (w *PythonWorker) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.Stdin.Close()
		w.DataPipe.Close()
		if w.Cmd != nil {
			w.Cmd.Wait()
		}
	})
}

// Logs returns what the worker wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
