package uploadsvc

import (
	"context"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mkrupp/imgqueue/internal/infra/rawhttp"
)

type statusResponse struct {
	Status              string           `json:"status"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
	UptimeHuman         string           `json:"uptime_human"`
	QueueSize           int              `json:"queue_size"`
	ConnectionCount     int              `json:"connection_count"`
	TotalUploads        int64            `json:"total_uploads"`
	TotalBytes          int64            `json:"total_bytes"`
	TotalBytesHuman     string           `json:"total_bytes_human"`
	AverageProcessingMS float64          `json:"average_processing_ms"`
	CountByColor        map[string]int64 `json:"count_by_color"`
}

func (h *ConnectionHandler) handleStatus(ctx context.Context, conn net.Conn) {
	uploadStats, err := h.state.Stats.Stats(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "read stats failed", "error", err)
	}

	countByColor := make(map[string]int64, len(uploadStats.CountByColor))
	for color, count := range uploadStats.CountByColor {
		countByColor[color.String()] = count
	}

	uptime := h.state.Uptime()

	resp := statusResponse{
		Status:              h.state.Status().String(),
		UptimeSeconds:       uptime.Seconds(),
		UptimeHuman:         uptime.Round(time.Second).String(),
		QueueSize:           h.state.Queue.Size(),
		ConnectionCount:     h.state.ConnectionCount(),
		TotalUploads:        uploadStats.TotalUploads,
		TotalBytes:          uploadStats.TotalBytes,
		TotalBytesHuman:     humanize.Bytes(uint64(uploadStats.TotalBytes)), //nolint:gosec
		AverageProcessingMS: uploadStats.AverageProcessingMS,
		CountByColor:        countByColor,
	}

	if err := rawhttp.WriteJSON(conn, 200, resp); err != nil {
		h.log.WarnContext(ctx, "write status response failed", "error", err)
	}

	_ = conn.Close()
}

type queueStatusResponse struct {
	QueueSize int  `json:"queue_size"`
	Capacity  int  `json:"capacity"`
	Active    bool `json:"active"`
}

func (h *ConnectionHandler) handleQueueStatus(ctx context.Context, conn net.Conn) {
	resp := queueStatusResponse{
		QueueSize: h.state.Queue.Size(),
		Capacity:  QueueCapacity,
		Active:    h.state.Queue.Active(),
	}

	if err := rawhttp.WriteJSON(conn, 200, resp); err != nil {
		h.log.WarnContext(ctx, "write queue status response failed", "error", err)
	}

	_ = conn.Close()
}

type uploadInstructionsResponse struct {
	Method           string `json:"method"`
	Path             string `json:"path"`
	ContentType      string `json:"content_type"`
	Field            string `json:"field"`
	MaxSizeMB        int    `json:"max_size_mb"`
	SupportedFormats string `json:"supported_formats"`
}

func (h *ConnectionHandler) handleUploadInstructions(ctx context.Context, conn net.Conn) {
	cfg := h.state.Config

	resp := uploadInstructionsResponse{
		Method:           "POST",
		Path:             "/upload",
		ContentType:      "multipart/form-data; boundary=<boundary>",
		Field:            "image",
		MaxSizeMB:        int(cfg.MaxImageSizeBytes() / (1024 * 1024)),
		SupportedFormats: cfg.SupportedFormats,
	}

	if err := rawhttp.WriteJSON(conn, 200, resp); err != nil {
		h.log.WarnContext(ctx, "write upload instructions failed", "error", err)
	}

	_ = conn.Close()
}
