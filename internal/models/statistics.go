package models

// Statistics aggregates queue totals and space savings across all files.
// It is computed from the files table rather than stored.
type Statistics struct {
	TotalFiles      int64 `json:"total_files"`
	PendingFiles    int64 `json:"pending_files"`
	ProcessingFiles int64 `json:"processing_files"`
	CompletedFiles  int64 `json:"completed_files"`
	FailedFiles     int64 `json:"failed_files"`

	TotalOriginalSize   int64   `json:"total_original_size"`
	TotalTranscodedSize int64   `json:"total_transcoded_size"`
	TotalSavingsBytes   int64   `json:"total_savings_bytes"`
	TotalSavingsPercent float64 `json:"total_savings_percent"`

	// Projections assuming remaining files compress at the observed average ratio.
	EstimatedTotalSavings int64 `json:"estimated_total_savings"`
	EstimatedFinalSize    int64 `json:"estimated_final_size"`
}
