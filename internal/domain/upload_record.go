package domain

// Outcome classifies how an upload terminated, for the stats ledger.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeBadRequest        Outcome = "bad_request"
	OutcomePayloadTooLarge   Outcome = "payload_too_large"
	OutcomeProcessingFailure Outcome = "processing_failure"
	OutcomeServerBusy        Outcome = "server_busy"
)

// UploadRecord is the durable row the stats ledger writes for every terminal
// upload outcome, successful or not.
type UploadRecord struct {
	ID               int64
	Filename         string
	SizeBytes        int64
	PredominantColor Color
	Outcome          Outcome
	StartedAt        int64 // unix seconds
	FinishedAt       int64 // unix seconds
}

// UploadStats is the aggregate view the /status endpoint reports.
type UploadStats struct {
	TotalUploads        int64
	TotalBytes          int64
	AverageProcessingMS float64
	CountByColor        map[Color]int64
}
