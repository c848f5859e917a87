package uploadsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	context_ "github.com/mkrupp/imgqueue/internal/infra/context"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
	"github.com/mkrupp/imgqueue/internal/infra/rawhttp"

	"github.com/mkrupp/imgqueue/internal/domain"
)

// ConnectionHandler frames one accepted connection's request, and for a POST
// upload, parses the multipart body, validates and persists the payload,
// and enqueues it for the worker. It never responds on the successful-enqueue
// path: after Enqueue returns ok, the socket belongs to the queue item and
// this handler must not touch it again.
type ConnectionHandler struct {
	state       *State
	tempCounter atomic.Int64
	log         logging.Logger
}

// NewConnectionHandler builds a ConnectionHandler sharing state with the
// worker and acceptor.
func NewConnectionHandler(state *State) *ConnectionHandler {
	return &ConnectionHandler{
		state:       state,
		tempCounter: atomic.Int64{},
		log:         logging.GetLogger("svc.uploadsvc.connection_handler"),
	}
}

// Handle implements rawhttp.Handler: frame the request, dispatch by method
// and path, and for uploads, hand the connection off to the queue instead of
// closing it.
func (h *ConnectionHandler) Handle(ctx context.Context, conn net.Conn) {
	req, err := rawhttp.ReadRequest(conn)
	if err != nil {
		h.respondFrameError(ctx, conn, err)

		return
	}

	ctx = rawhttp.TraceIDFromRequest(ctx, req)

	switch {
	case req.Method == "GET" && (req.Target == "/" || req.Target == "/status"):
		h.handleStatus(ctx, conn)
	case req.Method == "GET" && req.Target == "/queue":
		h.handleQueueStatus(ctx, conn)
	case req.Method == "GET" && req.Target == "/upload":
		h.handleUploadInstructions(ctx, conn)
	case req.Method == "POST" && (req.Target == "/" || req.Target == "/upload"):
		h.handleUpload(ctx, conn, req)
	case req.Method != "GET" && req.Method != "POST":
		h.closeWithError(ctx, conn, 405, "method not allowed")
	default:
		h.closeWithError(ctx, conn, 404, "not found")
	}
}

func (h *ConnectionHandler) respondFrameError(ctx context.Context, conn net.Conn, err error) {
	status := 400

	switch {
	case errors.Is(err, rawhttp.ErrTooLarge):
		status = 413
	case errors.Is(err, rawhttp.ErrTimeout), errors.Is(err, rawhttp.ErrConnectionClosed):
		_ = conn.Close()

		return
	}

	h.closeWithError(ctx, conn, status, err.Error())
}

func (h *ConnectionHandler) closeWithError(ctx context.Context, conn net.Conn, status int, message string) {
	if err := rawhttp.WriteError(conn, status, message); err != nil {
		h.log.WarnContext(ctx, "write error response failed", "error", err)
	}

	_ = conn.Close()
}

// handleUpload parses and persists the multipart payload and enqueues it.
// On any failure before a successful Enqueue, it writes the error response
// and closes the socket itself; on success it returns without touching conn.
func (h *ConnectionHandler) handleUpload(ctx context.Context, conn net.Conn, req *rawhttp.Request) {
	clientIP, _ := context_.ClientIPFromContext(ctx)

	contentType, ok := req.Header("Content-Type")
	if !ok || !strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		h.reject(ctx, conn, domain.ErrBadRequest, "missing or invalid Content-Type", 0)

		return
	}

	boundary, ok := rawhttp.ExtractBoundary(contentType)
	if !ok {
		h.reject(ctx, conn, domain.ErrBadRequest, "no multipart boundary", 0)

		return
	}

	part, err := rawhttp.ParseMultipart(req.Body, boundary)
	if err != nil {
		h.reject(ctx, conn, domain.ErrBadRequest, err.Error(), 0)

		return
	}

	ext := filepath.Ext(part.Filename)
	if !h.state.Config.IsSupportedExtension(ext) {
		h.reject(ctx, conn, domain.ErrUnsupportedFormat, "unsupported file extension", int64(len(part.Payload)))

		return
	}

	maxBytes := h.state.Config.MaxImageSizeBytes()
	if int64(len(part.Payload)) > maxBytes {
		h.reject(ctx, conn, domain.ErrPayloadTooLarge, "payload too large", int64(len(part.Payload)))

		return
	}

	if _, _, _, _, err := Decode(bytes.NewReader(part.Payload)); err != nil {
		h.reject(ctx, conn, domain.ErrBadRequest, fmt.Sprintf("not a decodable image: %v", err), int64(len(part.Payload)))

		return
	}

	tempPath := h.tempFilePath(ext)

	if err := h.state.Store.WriteFile(ctx, tempPath, part.Payload); err != nil {
		h.reject(ctx, conn, domain.ErrProcessingFailure, "failed to persist upload", int64(len(part.Payload)))

		return
	}

	descriptor := &domain.UploadDescriptor{
		OriginalFilename: part.Filename,
		ContentType:      part.ContentType,
		FileSize:         int64(len(part.Payload)),
		TempPath:         tempPath,
		ClientIP:         clientIP,
		ClientSocket:     conn,
		ArrivalSeq:       0,
	}

	if err := h.state.Queue.Enqueue(descriptor); err != nil {
		_ = h.state.Store.RemoveFile(ctx, tempPath)
		h.reject(ctx, conn, domain.ErrServerBusy, "processing queue busy", descriptor.FileSize)

		return
	}

	h.log.InfoContext(ctx, "upload enqueued", logging.Group("upload",
		"filename", part.Filename,
		"size", descriptor.FileSize,
		"client_ip", clientIP,
	))
}

// reject writes an error response, closes conn, and records the rejection in
// the stats ledger, matching the spec's "handler records a failed Upload
// Record on pre-enqueue rejections" contract.
func (h *ConnectionHandler) reject(ctx context.Context, conn net.Conn, kind error, message string, size int64) {
	status := domain.StatusCode(kind)

	h.closeWithError(ctx, conn, status, message)

	record := domain.UploadRecord{
		ID:               0,
		Filename:         "",
		SizeBytes:        size,
		PredominantColor: domain.ColorUndefined,
		Outcome:          outcomeForError(kind),
		StartedAt:        time.Now().Unix(),
		FinishedAt:       time.Now().Unix(),
	}

	if err := h.state.Stats.RecordUpload(ctx, record); err != nil {
		h.log.WarnContext(ctx, "record rejected upload failed", "error", err)
	}
}

func outcomeForError(kind error) domain.Outcome {
	switch {
	case errors.Is(kind, domain.ErrPayloadTooLarge):
		return domain.OutcomePayloadTooLarge
	case errors.Is(kind, domain.ErrProcessingFailure):
		return domain.OutcomeProcessingFailure
	case errors.Is(kind, domain.ErrServerBusy):
		return domain.OutcomeServerBusy
	default:
		return domain.OutcomeBadRequest
	}
}

// tempFilePath generates "temp_<epoch>_<pid>_<counter><ext>" under the
// configured temp path, matching generate_temp_filename in file_handler.c.
func (h *ConnectionHandler) tempFilePath(ext string) string {
	counter := h.tempCounter.Add(1)
	name := fmt.Sprintf("temp_%d_%d_%d%s", time.Now().Unix(), os.Getpid(), counter, ext)

	return filepath.Join(h.state.Config.TempPath, name)
}
