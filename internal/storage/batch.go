package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds the fan-out of a multi-file upload.
const batchConcurrency = 8

// BatchFailure records one file that failed to upload.
type BatchFailure struct {
	Filename string `json:"filename"`
	Err      error  `json:"error"`
}

// BatchResult partitions a multi-file upload by outcome.
type BatchResult struct {
	Uploaded []*UploadResult `json:"uploaded"`
	Failed   []BatchFailure  `json:"failed"`
}

// UploadMany fans out the requests concurrently against a single upload
// function and partitions results by outcome. It never fails as a whole;
// individual failures are reported per file. Completion order is not
// guaranteed, but every input filename appears exactly once across the
// two partitions.
func UploadMany(ctx context.Context, upload func(context.Context, *UploadRequest) (*UploadResult, error), reqs []*UploadRequest) *BatchResult {
	var (
		mu  sync.Mutex
		out BatchResult
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, req := range reqs {
		req := req
		g.Go(func() error {
			res, err := upload(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed = append(out.Failed, BatchFailure{
					Filename: req.OriginalFilename,
					Err:      err,
				})
				return nil
			}
			out.Uploaded = append(out.Uploaded, res)
			return nil
		})
	}

	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()

	return &out
}
