package client

import (
	"log/slog"
	"time"
)

// maxDetailLogLen is the maximum length for logged error details before truncation.
const maxDetailLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
// Starting a job runs the pipeline up to its first checkpoint, so it is generous.
const slowRequestThreshold = 30 * time.Second

// logRequest logs a finished request with timing.
// Callers report failures themselves, so rejected requests stay at INFO.
func logRequest(logger *slog.Logger, op, requestID string, status int, duration time.Duration, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestID,
		"duration_ms", duration.Milliseconds(),
	}
	if status != 0 {
		attrs = append(attrs, "status", status)
	}

	switch {
	case err != nil && status != 0:
		attrs = append(attrs, "error", truncate(err.Error(), maxDetailLogLen))
		logger.Info("request rejected", attrs...)
	case err != nil:
		attrs = append(attrs, "error", truncate(err.Error(), maxDetailLogLen))
		logger.Warn("request failed", attrs...)
	case duration > slowRequestThreshold:
		logger.Warn("slow request", attrs...)
	default:
		logger.Debug("request completed", attrs...)
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
