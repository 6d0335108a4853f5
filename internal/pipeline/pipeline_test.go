package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/e7canasta/expression-client/internal/backend"
	"github.com/e7canasta/expression-client/internal/capture"
	"github.com/e7canasta/expression-client/internal/results"
	"github.com/e7canasta/expression-client/internal/types"
)

// processorFunc adapts a function to FrameProcessor.
type processorFunc func(ctx context.Context, req backend.FrameRequest) (*backend.FrameResponse, error)

func (f processorFunc) ProcessFrame(ctx context.Context, req backend.FrameRequest) (*backend.FrameResponse, error) {
	return f(ctx, req)
}

func startedSource(t *testing.T) *capture.Synthetic {
	t.Helper()
	src, err := capture.NewSynthetic(capture.Config{Width: 32, Height: 24, FPS: 30})
	if err != nil {
		t.Fatalf("NewSynthetic() error: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { src.Stop() })
	return src
}

func newTestPipeline(t *testing.T, handler http.HandlerFunc, cfg Config) *Pipeline {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := backend.New(srv.URL)
	if err != nil {
		t.Fatalf("backend.New() error: %v", err)
	}
	p, err := New(startedSource(t), client, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func TestEncodeFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	encoded, err := EncodeFrame(img, DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("EncodeFrame() error: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0xFF || raw[1] != 0xD8 {
		t.Errorf("payload is not a JPEG (missing SOI marker)")
	}

	if _, err := EncodeFrame(nil, 70); err == nil {
		t.Error("EncodeFrame(nil) expected error")
	}
	if _, err := EncodeFrame(image.NewRGBA(image.Rect(0, 0, 0, 0)), 70); err == nil {
		t.Error("EncodeFrame(empty) expected error")
	}
}

func TestNew_FailFast(t *testing.T) {
	src, _ := capture.NewSynthetic(capture.DefaultConfig())
	proc := processorFunc(func(context.Context, backend.FrameRequest) (*backend.FrameResponse, error) { return nil, nil })

	tests := []struct {
		name   string
		source capture.Source
		client FrameProcessor
		cfg    Config
	}{
		{"nil source", nil, proc, DefaultConfig()},
		{"nil client", src, nil, DefaultConfig()},
		{"zero timeout", src, proc, Config{Timeout: 0, JPEGQuality: 70}},
		{"quality too high", src, proc, Config{Timeout: time.Second, JPEGQuality: 101}},
		{"quality zero", src, proc, Config{Timeout: time.Second, JPEGQuality: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.source, tt.client, tt.cfg); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestRun_Success(t *testing.T) {
	var got backend.FrameRequest
	p := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"results":{"emotion":"Happy","confidence":0.8}}`))
	}, DefaultConfig())

	out, err := p.Run(context.Background(), types.ModeEmotion, 7)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got.Mode != types.ModeEmotion {
		t.Errorf("request mode = %q, want emotion", got.Mode)
	}
	raw, err := base64.StdEncoding.DecodeString(got.Frame)
	if err != nil || len(raw) < 2 || raw[0] != 0xFF || raw[1] != 0xD8 {
		t.Errorf("request frame is not base64 JPEG (err=%v)", err)
	}

	if out.Payload.Emotion == nil || out.Payload.Emotion.Name != "Happy" {
		t.Errorf("Payload.Emotion = %+v, want Happy", out.Payload.Emotion)
	}
	if !out.Captured {
		t.Error("Captured = false")
	}
	if out.Attempt.Generation != 7 || out.Attempt.ID == "" || out.Attempt.Mode != types.ModeEmotion {
		t.Errorf("Attempt = %+v", out.Attempt)
	}
	if out.Attempt.PayloadSizeBytes != len(got.Frame) {
		t.Errorf("PayloadSizeBytes = %d, want %d", out.Attempt.PayloadSizeBytes, len(got.Frame))
	}
	if out.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want > 0", out.Elapsed)
	}
	if p.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0", p.Attempts())
	}
}

func TestRun_BackendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		malformed bool
	}{
		{"success false with message", 200, `{"success":false,"error":"No face detected"}`, "No face detected", false},
		{"success false nested message", 200, `{"success":false,"results":{"error":"Invalid image data"}}`, "Invalid image data", false},
		{"non-2xx plain body", 500, `oops`, "HTTP error! status: 500", false},
		{"malformed results", 200, `{"success":true,"results":{"confidence":0.5}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}, DefaultConfig())

			out, err := p.Run(context.Background(), types.ModeEmotion, 1)
			if types.Classify(err) != types.KindBackend {
				t.Fatalf("Run() error = %v (kind %s), want backend", err, types.Classify(err))
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("error message = %q, want %q", err.Error(), tt.wantMsg)
			}
			if tt.malformed && !errors.Is(err, types.ErrMalformedPayload) {
				t.Errorf("error = %v, want wrapped ErrMalformedPayload", err)
			}
			if !out.Captured {
				t.Error("Captured = false for a backend error")
			}
			if p.Attempts() != 1 {
				t.Errorf("Attempts() = %d, want 1", p.Attempts())
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.Write([]byte(`{"success":true,"results":{"emotion":"Late","confidence":1}}`))
	}, Config{Timeout: 50 * time.Millisecond, JPEGQuality: 70})
	defer close(release)

	start := time.Now()
	out, err := p.Run(context.Background(), types.ModeEmotion, 1)

	var te *types.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want TimeoutError", err)
	}
	if err.Error() != "processing timeout after 50ms" {
		t.Errorf("error message = %q", err.Error())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, want bounded by timeout", elapsed)
	}
	if out.Payload.Emotion != nil {
		t.Error("timed out attempt carries a payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Errorf("Wait() = %v, abandoned request not cancelled", err)
	}
	if s := p.Stats(); s.TimedOut != 1 || s.Failed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRun_LateResponseDiscarded(t *testing.T) {
	// The processor ignores cancellation and answers successfully after the
	// deadline has passed.
	proc := processorFunc(func(context.Context, backend.FrameRequest) (*backend.FrameResponse, error) {
		time.Sleep(100 * time.Millisecond)
		return &backend.FrameResponse{
			Success: true,
			Results: json.RawMessage(`{"emotion":"Late","confidence":1}`),
		}, nil
	})
	p, err := New(startedSource(t), proc, Config{Timeout: 20 * time.Millisecond, JPEGQuality: 70})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	out, err := p.Run(context.Background(), types.ModeEmotion, 1)

	var te *types.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want TimeoutError", err)
	}
	if !reflect.DeepEqual(out.Payload, results.DetectionPayload{}) {
		t.Errorf("timed out attempt carries payload %+v", out.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}

	s := p.Stats()
	if s.LateArrivals != 1 {
		t.Errorf("LateArrivals = %d, want 1", s.LateArrivals)
	}
	if s.TimedOut != 1 || s.Succeeded != 0 {
		t.Errorf("Stats() = %+v, late response counted as success", s)
	}
}

func TestRun_TransportErrorIsBackendError(t *testing.T) {
	proc := processorFunc(func(context.Context, backend.FrameRequest) (*backend.FrameResponse, error) {
		return nil, errors.New("connection refused")
	})
	p, _ := New(startedSource(t), proc, DefaultConfig())

	_, err := p.Run(context.Background(), types.ModeSign, 1)
	if types.Classify(err) != types.KindBackend {
		t.Errorf("Run() error kind = %s, want backend", types.Classify(err))
	}
}

func TestRun_Busy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, req backend.FrameRequest) (*backend.FrameResponse, error) {
		close(entered)
		<-release
		return &backend.FrameResponse{Success: true, Results: json.RawMessage(`[]`)}, nil
	})
	p, _ := New(startedSource(t), proc, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), types.ModeGesture, 1)
		done <- err
	}()
	<-entered

	if _, err := p.Run(context.Background(), types.ModeGesture, 1); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Run() = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first Run() error: %v", err)
	}
	if s := p.Stats(); s.Busy != 1 || s.Started != 1 {
		t.Errorf("Stats() = %+v, want 1 busy rejection and 1 start", s)
	}
}

func TestRun_CaptureError(t *testing.T) {
	src, _ := capture.NewSynthetic(capture.DefaultConfig()) // never started
	called := false
	proc := processorFunc(func(context.Context, backend.FrameRequest) (*backend.FrameResponse, error) {
		called = true
		return nil, nil
	})
	p, _ := New(src, proc, DefaultConfig())

	out, err := p.Run(context.Background(), types.ModeEmotion, 1)
	if types.Classify(err) != types.KindCapture {
		t.Fatalf("Run() error = %v, want capture error", err)
	}
	if !errors.Is(err, capture.ErrNotStarted) {
		t.Errorf("error = %v, want wrapped ErrNotStarted", err)
	}
	if out.Captured {
		t.Error("Captured = true without a frame")
	}
	if called {
		t.Error("request sent without a frame")
	}
}

func TestRun_ConsecutiveErrorsResetOnSuccess(t *testing.T) {
	fail := true
	proc := processorFunc(func(context.Context, backend.FrameRequest) (*backend.FrameResponse, error) {
		if fail {
			return nil, &types.BackendError{Status: 503}
		}
		return &backend.FrameResponse{Success: true, Results: json.RawMessage(`{"sign":"A","confidence":0.5}`)}, nil
	})
	p, _ := New(startedSource(t), proc, DefaultConfig())

	for i := 1; i <= 3; i++ {
		p.Run(context.Background(), types.ModeSign, 1)
		if p.Attempts() != uint32(i) {
			t.Fatalf("Attempts() = %d, want %d", p.Attempts(), i)
		}
	}

	fail = false
	if _, err := p.Run(context.Background(), types.ModeSign, 1); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if p.Attempts() != 0 {
		t.Errorf("Attempts() after success = %d, want 0", p.Attempts())
	}
}

func TestRun_CancelledContext(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, req backend.FrameRequest) (*backend.FrameResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, _ := New(startedSource(t), proc, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Run(ctx, types.ModeEmotion, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if p.Attempts() != 0 {
		t.Errorf("Attempts() = %d, cancellation must not count as a failure", p.Attempts())
	}
}
