package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// ChunkOptions controls SaveChunked.
type ChunkOptions struct {
	// Size is the number of records per transaction. Default: 50.
	Size int
	// Retry is applied to each chunk. Default: 3 attempts, 1s linear step,
	// retrying only on contention.
	Retry *resilience.RetryConfig
}

// BatchReport summarizes a chunked write.
type BatchReport struct {
	Saved        int `json:"saved"`
	Duplicates   int `json:"duplicates"`
	Skipped      int `json:"skipped"`
	FailedChunks int `json:"failed_chunks"`
}

// SaveChunked writes records in chunks, one transaction per chunk. A chunk
// that still fails after its retries is skipped and counted; the remaining
// chunks are still written. The returned error is only set when ctx ends.
func SaveChunked(ctx context.Context, st Store, records []model.Supplier, opts ChunkOptions) (BatchReport, error) {
	var report BatchReport

	size := opts.Size
	if size <= 0 {
		size = 50
	}
	retry := resilience.ContentionRetry(3, time.Second)
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	for start := 0; start < len(records); start += size {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+size, len(records))
		chunk := records[start:end]

		inserted, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (int, error) {
			return st.InsertBatch(ctx, chunk)
		})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			zap.L().Error("store: chunk skipped",
				zap.Int("offset", start),
				zap.Int("size", len(chunk)),
				zap.Bool("contention", resilience.IsContention(err)),
				zap.Error(err),
			)
			report.Skipped += len(chunk)
			report.FailedChunks++
			continue
		}
		report.Saved += inserted
		report.Duplicates += len(chunk) - inserted
	}
	return report, nil
}
