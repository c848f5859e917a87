package domain

import (
	"net"
	"time"
)

// UploadDescriptor is created by the connection handler, owned by the queue
// item it travels in, and consumed by the worker. It must not be copied once
// enqueued: the embedded socket is owned by exactly one goroutine at a time,
// and enqueue is the point where that ownership moves from handler to worker.
type UploadDescriptor struct {
	OriginalFilename string
	ContentType      string
	FileSize         int64
	TempPath         string
	ClientIP         string
	ClientSocket     net.Conn

	// ArrivalSeq is assigned by the queue at enqueue time; it is the FIFO
	// tie-breaker for items of equal FileSize. Zero until enqueued.
	ArrivalSeq uint64
}

// ProcessedImageInfo is worker-local state describing the outcome of running
// the image engine on a dequeued descriptor. It feeds the success response
// JSON and the stats ledger record.
type ProcessedImageInfo struct {
	Width            int
	Height           int
	Channels         int
	PredominantColor Color
	EqualizedPath    string
	ClassifiedPath   string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// ProcessingTime returns the wall-clock duration spent processing, in seconds.
func (p ProcessedImageInfo) ProcessingTime() float64 {
	return p.FinishedAt.Sub(p.StartedAt).Seconds()
}
