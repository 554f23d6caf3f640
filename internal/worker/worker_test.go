package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// newMockWorker returns a worker whose FD 3 pipe already holds reply.
func newMockWorker(reply []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(reply)))
	dataPipeMock.Write(reply)

	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [NumFaces] then [L T R B Score] per face
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [5]float32{10, 20, 60, 90, 0.98})
	binary.Write(payload, binary.BigEndian, [5]float32{100, 40, 140, 80, 0.71})

	w, stdin := newMockWorker(payload.Bytes())

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	faces, err := w.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// [Len][Op][W][H][Pixels]
	sent := stdin.Bytes()
	if want := 4 + 1 + 8 + 4*3*4; len(sent) != want {
		t.Errorf("Expected %d bytes sent, got %d", want, len(sent))
	}
	if sent[4] != opDetect {
		t.Errorf("Expected opcode %d, got %d", opDetect, sent[4])
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if faces[0].Box.X.Lo != 10 || faces[0].Box.Y.Hi != 90 {
		t.Errorf("Unexpected first box %v", faces[0].Box)
	}
	if math.Abs(faces[1].Score-0.71) > 1e-6 {
		t.Errorf("Expected score approx 0.71, got %f", faces[1].Score)
	}
}

func TestEmbed(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	vec := [128]float32{}
	vec[0] = 0.5
	binary.Write(payload, binary.BigEndian, uint32(len(vec)))
	binary.Write(payload, binary.BigEndian, vec)

	w, _ := newMockWorker(payload.Bytes())

	got, err := w.Embed(context.Background(), image.NewGray(image.Rect(0, 0, 2, 2)))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(got) != 128 {
		t.Fatalf("Expected 128 dimensions, got %d", len(got))
	}
	if math.Abs(float64(got[0])-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", got[0])
	}
}

func TestEmbed_TruncatedReply(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(512))
	binary.Write(payload, binary.BigEndian, float32(1))

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected error for truncated embedding, got nil")
	}
}

func TestDetect_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())

	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestPing(t *testing.T) {
	w, stdin := newMockWorker([]byte{statusOK})
	if err := w.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if sent := stdin.Bytes(); len(sent) != 5 || sent[4] != opPing {
		t.Errorf("Expected bare ping request, got %X", sent)
	}
}

func TestClosedWorkerRejectsCalls(t *testing.T) {
	w, _ := newMockWorker([]byte{statusOK})
	w.Close()
	w.Close()

	if err := w.Ping(context.Background()); err != ErrWorkerClosed {
		t.Errorf("Expected ErrWorkerClosed, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	w, stdin := newMockWorker([]byte{statusOK})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected context error, got nil")
	}
	if stdin.Len() != 0 {
		t.Error("Expected nothing to be sent on a canceled context")
	}
}

func TestDetect_FaceCountExceedsReply(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(0xFFFFFFFF))

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected error for oversized face count, got nil")
	}
}

func TestWaitingCallHonorsContext(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	dataR, dataW := io.Pipe()
	w := &PythonWorker{ID: 1, Stdin: stdinW, DataPipe: dataR}

	// The first call goes on the wire and never gets an answer.
	stuck := make(chan error, 1)
	go func() { stuck <- w.Ping(context.Background()) }()
	req := make([]byte, 5)
	if _, err := io.ReadFull(stdinR, req); err != nil {
		t.Fatalf("Reading request failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error while the worker is busy, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Waiting call did not return promptly")
	}

	dataW.CloseWithError(errors.New("worker died"))
	select {
	case err := <-stuck:
		if err == nil {
			t.Error("Expected the stuck call to fail once the pipe closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stuck call never returned")
	}

	// The worker is usable again once the stuck call is gone.
	stdinR.Close()
	if _, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Error("Expected an error from the closed pipes")
	}
}
