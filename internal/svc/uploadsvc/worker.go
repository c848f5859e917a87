package uploadsvc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
	"github.com/mkrupp/imgqueue/internal/infra/rawhttp"
)

// Worker is the single background goroutine that dequeues upload
// descriptors, runs the image engine over each one, writes the response on
// the descriptor's client socket, and closes it. Processing is strictly
// sequential: one image at a time, no per-image parallelism.
type Worker struct {
	state *State
	log   logging.Logger
}

// NewWorker builds a Worker sharing state with the acceptor and connection handlers.
func NewWorker(state *State) *Worker {
	return &Worker{
		state: state,
		log:   logging.GetLogger("svc.uploadsvc.worker"),
	}
}

// Run dequeues and processes descriptors until the queue shuts down and
// drains. Items dequeued while the queue is inactive (shutdown in progress)
// are drained with a 503 response instead of being processed, per the
// queue's shutdown-drain contract.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "worker started")

	for {
		descriptor, err := w.state.Queue.Dequeue()
		if err != nil {
			if errors.Is(err, ErrQueueShutdown) {
				w.log.InfoContext(ctx, "worker exiting: queue drained and shut down")

				return
			}

			continue
		}

		if !w.state.Queue.Active() {
			w.drain(ctx, descriptor)

			continue
		}

		w.process(ctx, descriptor)
	}
}

// drain responds 503 to a descriptor caught mid-shutdown instead of running
// it through the image engine, per §4.4's shutdown failure semantics.
func (w *Worker) drain(ctx context.Context, descriptor *domain.UploadDescriptor) {
	w.log.InfoContext(ctx, "draining queued upload on shutdown", logging.Group("upload",
		"filename", descriptor.OriginalFilename,
	))

	_ = rawhttp.WriteError(descriptor.ClientSocket, 503, "server shutting down")
	_ = descriptor.ClientSocket.Close()
	_ = w.state.Store.RemoveFile(ctx, descriptor.TempPath)

	now := time.Now().Unix()
	record := domain.UploadRecord{
		ID:               0,
		Filename:         descriptor.OriginalFilename,
		SizeBytes:        descriptor.FileSize,
		PredominantColor: domain.ColorUndefined,
		Outcome:          domain.OutcomeServerBusy,
		StartedAt:        now,
		FinishedAt:       now,
	}

	if err := w.state.Stats.RecordUpload(ctx, record); err != nil {
		w.log.WarnContext(ctx, "record drained upload failed", "error", err)
	}
}

func (w *Worker) process(ctx context.Context, descriptor *domain.UploadDescriptor) {
	startedAt := time.Now()

	w.log.InfoContext(ctx, "processing upload", logging.Group("upload",
		"filename", descriptor.OriginalFilename,
		"size", descriptor.FileSize,
		"client_ip", descriptor.ClientIP,
	))

	pix, width, height, channels, err := DecodeFile(descriptor.TempPath)
	if err != nil {
		w.fail(ctx, descriptor, startedAt, "failed to decode image", err)

		return
	}

	// Classify BEFORE equalizing: equalization shifts channel means.
	predominant := ClassifyDominantColor(pix, width, height, channels)
	_ = Equalize(pix, width, height, channels)

	ext := filepath.Ext(descriptor.OriginalFilename)

	equalizedBytes, err := Encode(pix, width, height, channels, ext)
	if err != nil {
		w.fail(ctx, descriptor, startedAt, "failed to encode equalized image", err)

		return
	}

	equalizedPath := filepath.Join(w.state.Config.ProcessedPath, OutputFilename(descriptor.OriginalFilename, "equalized"))
	if err := w.state.Store.WriteFile(ctx, equalizedPath, equalizedBytes); err != nil {
		w.fail(ctx, descriptor, startedAt, "failed to write equalized image", err)

		return
	}

	var classifiedPath string

	if predominant != domain.ColorUndefined {
		classifiedPath = filepath.Join(
			w.colorDirectory(predominant),
			OutputFilename(descriptor.OriginalFilename, predominant.String()),
		)

		if err := w.state.Store.WriteFile(ctx, classifiedPath, equalizedBytes); err != nil {
			w.log.WarnContext(ctx, "failed to write classified copy", "error", err)

			classifiedPath = ""
		}
	}

	finishedAt := time.Now()

	info := domain.ProcessedImageInfo{
		Width:            width,
		Height:           height,
		Channels:         channels,
		PredominantColor: predominant,
		EqualizedPath:    equalizedPath,
		ClassifiedPath:   classifiedPath,
		StartedAt:        startedAt,
		FinishedAt:       finishedAt,
	}

	w.succeed(ctx, descriptor, info)
}

func (w *Worker) colorDirectory(color domain.Color) string {
	switch color {
	case domain.ColorRed:
		return w.state.Config.RedPath
	case domain.ColorGreen:
		return w.state.Config.GreenPath
	case domain.ColorBlue:
		return w.state.Config.BluePath
	default:
		return w.state.Config.ProcessedPath
	}
}

type uploadSuccessResponse struct {
	Status           string  `json:"status"`
	Message          string  `json:"message"`
	Filename         string  `json:"filename"`
	Size             int64   `json:"size"`
	ProcessedPath    string  `json:"processed_path"`
	PredominantColor string  `json:"predominant_color"`
	ProcessingTime   float64 `json:"processing_time"`
}

func (w *Worker) succeed(ctx context.Context, descriptor *domain.UploadDescriptor, info domain.ProcessedImageInfo) {
	resp := uploadSuccessResponse{
		Status:           "success",
		Message:          "File processed successfully",
		Filename:         descriptor.OriginalFilename,
		Size:             descriptor.FileSize,
		ProcessedPath:    info.EqualizedPath,
		PredominantColor: info.PredominantColor.String(),
		ProcessingTime:   info.ProcessingTime(),
	}

	if err := rawhttp.WriteJSON(descriptor.ClientSocket, 200, resp); err != nil {
		w.log.WarnContext(ctx, "write success response failed", "error", err)
	}

	w.finish(ctx, descriptor, info.PredominantColor, domain.OutcomeSuccess, info.StartedAt, info.FinishedAt)
}

func (w *Worker) fail(ctx context.Context, descriptor *domain.UploadDescriptor, startedAt time.Time, message string, cause error) {
	w.log.ErrorContext(ctx, message, logging.Group("upload",
		"filename", descriptor.OriginalFilename,
		"error", cause,
	))

	_ = rawhttp.WriteError(descriptor.ClientSocket, 500, fmt.Sprintf("%s: %v", message, cause))

	w.finish(ctx, descriptor, domain.ColorUndefined, domain.OutcomeProcessingFailure, startedAt, time.Now())
}

// finish closes the client socket exactly once, removes the temp file, and
// records the terminal outcome in the stats ledger. Every processing path
// funnels through here so the socket-close and temp-file-cleanup contracts
// hold regardless of outcome.
func (w *Worker) finish(
	ctx context.Context,
	descriptor *domain.UploadDescriptor,
	color domain.Color,
	outcome domain.Outcome,
	startedAt, finishedAt time.Time,
) {
	_ = descriptor.ClientSocket.Close()

	if err := w.state.Store.RemoveFile(ctx, descriptor.TempPath); err != nil {
		w.log.WarnContext(ctx, "temp file cleanup failed", "error", err)
	}

	record := domain.UploadRecord{
		ID:               0,
		Filename:         descriptor.OriginalFilename,
		SizeBytes:        descriptor.FileSize,
		PredominantColor: color,
		Outcome:          outcome,
		StartedAt:        startedAt.Unix(),
		FinishedAt:       finishedAt.Unix(),
	}

	if err := w.state.Stats.RecordUpload(ctx, record); err != nil {
		w.log.WarnContext(ctx, "record upload outcome failed", "error", err)
	}
}
