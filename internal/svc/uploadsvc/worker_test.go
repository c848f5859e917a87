package uploadsvc_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/repo/imagestore"
	"github.com/mkrupp/imgqueue/internal/svc/uploadsvc"
)

type fakeStatsRepository struct {
	mu      sync.Mutex
	records []domain.UploadRecord
}

func (f *fakeStatsRepository) RecordUpload(_ context.Context, record domain.UploadRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.records = append(f.records, record)

	return nil
}

func (f *fakeStatsRepository) Stats(_ context.Context) (domain.UploadStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := domain.UploadStats{
		TotalUploads:        0,
		TotalBytes:          0,
		AverageProcessingMS: 0,
		CountByColor:        make(map[domain.Color]int64),
	}

	for _, record := range f.records {
		if record.Outcome != domain.OutcomeSuccess {
			continue
		}

		stats.TotalUploads++
		stats.TotalBytes += record.SizeBytes
		stats.CountByColor[record.PredominantColor]++
	}

	return stats, nil
}

func (f *fakeStatsRepository) Close() error { return nil }

func newTestState(t *testing.T) (*uploadsvc.State, *fakeStatsRepository) {
	t.Helper()

	dir := t.TempDir()

	cfg := uploadsvc.Config{
		Port:             1717,
		MaxConnections:   50,
		MaxImageSizeMB:   50,
		SupportedFormats: "jpg,jpeg,png,gif",
		TempPath:         filepath.Join(dir, "tmp"),
		ProcessedPath:    filepath.Join(dir, "processed"),
		RedPath:          filepath.Join(dir, "red"),
		GreenPath:        filepath.Join(dir, "green"),
		BluePath:         filepath.Join(dir, "blue"),
	}

	for _, path := range []string{cfg.TempPath, cfg.ProcessedPath, cfg.RedPath, cfg.GreenPath, cfg.BluePath} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
	}

	statsRepo := &fakeStatsRepository{}
	state := uploadsvc.NewState(cfg, uploadsvc.NewPriorityQueue(), imagestore.New(), statsRepo)

	return state, statsRepo
}

func redPNGBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := range 6 {
		for x := range 6 {
			img.Set(x, y, color.RGBA{R: 220, G: 10, B: 10, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	return buf.Bytes()
}

func TestWorkerProcessWritesEqualizedAndClassifiedCopies(t *testing.T) {
	state, statsRepo := newTestState(t)

	payload := redPNGBytes(t)
	tempPath := filepath.Join(state.Config.TempPath, "temp_1_1_1.png")

	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		t.Fatalf("write temp fixture: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	descriptor := &domain.UploadDescriptor{
		OriginalFilename: "sample.png",
		ContentType:      "image/png",
		FileSize:         int64(len(payload)),
		TempPath:         tempPath,
		ClientIP:         "127.0.0.1",
		ClientSocket:     serverConn,
		ArrivalSeq:       1,
	}

	worker := uploadsvc.NewWorker(state)

	if err := state.Queue.Enqueue(descriptor); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	readDone := make(chan struct{})

	go func() {
		defer close(readDone)

		_, _ = io.Copy(io.Discard, clientConn) // drain the response until the worker closes the socket, so its writes don't block
	}()

	ctx := context.Background()
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		worker.Run(ctx)
	}()

	<-readDone

	state.Queue.Shutdown()
	<-runDone

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed after processing, stat err = %v", err)
	}

	equalizedPath := filepath.Join(state.Config.ProcessedPath, "sample_equalized.png")
	if _, err := os.Stat(equalizedPath); err != nil {
		t.Fatalf("expected equalized output at %s: %v", equalizedPath, err)
	}

	classifiedPath := filepath.Join(state.Config.RedPath, "sample_red.png")
	if _, err := os.Stat(classifiedPath); err != nil {
		t.Fatalf("expected classified copy at %s: %v", classifiedPath, err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		statsRepo.mu.Lock()
		count := len(statsRepo.records)
		statsRepo.mu.Unlock()

		if count > 0 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for upload record")
		}

		time.Sleep(time.Millisecond)
	}

	statsRepo.mu.Lock()
	record := statsRepo.records[0]
	statsRepo.mu.Unlock()

	if record.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", record.Outcome)
	}

	if record.PredominantColor != domain.ColorRed {
		t.Fatalf("expected red classification, got %s", record.PredominantColor)
	}
}
