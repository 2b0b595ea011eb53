package classify

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"sortbox/internal/model"
)

// ErrNotCompleted is returned when classification or filing is asked for a
// tranche that has not finished its cooldown.
var ErrNotCompleted = errors.New("tranche is not completed")

// Request is one message as the classifier sees it.
type Request struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Snippet string `json:"snippet"`
}

// Classifier returns an analysis per request id. Ids it could not classify
// are simply missing from the result.
type Classifier interface {
	Classify(ctx context.Context, reqs []Request) (map[string]model.Analysis, error)
}

// Filer moves messages into a named folder or label on the mail provider.
type Filer interface {
	FileMessages(ctx context.Context, folder string, ids []string) error
}

// Store is the part of the tranche store classification touches.
type Store interface {
	Get(ctx context.Context, id int) (*model.Tranche, error)
	AttachAnalysis(ctx context.Context, trancheID int, results map[string]model.Analysis) (int, error)
	MarkProcessed(ctx context.Context, trancheID int, ids []string) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// RunResult summarizes a classification pass.
type RunResult struct {
	Pending    int // items without analysis before the run
	Classified int
	Batches    int
}

func completedTranche(ctx context.Context, store Store, trancheID int) (*model.Tranche, error) {
	t, err := store.Get(ctx, trancheID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("tranche %d not found", trancheID)
	}
	if t.Status != model.StatusCompleted {
		return nil, fmt.Errorf("tranche %d is %s: %w", trancheID, t.Status, ErrNotCompleted)
	}
	return t, nil
}

// Run classifies every item of a completed tranche that has no analysis
// yet, batchSize items per classifier call. Results are stored after each
// batch, so a failed run keeps earlier batches.
func Run(ctx context.Context, store Store, trancheID int, c Classifier, batchSize int, log Logger) (RunResult, error) {
	var res RunResult
	t, err := completedTranche(ctx, store, trancheID)
	if err != nil {
		return res, err
	}
	if batchSize <= 0 {
		batchSize = 25
	}

	var pending []Request
	for _, it := range t.Items {
		if it.Analysis != nil {
			continue
		}
		pending = append(pending, Request{
			ID:      it.ID,
			Subject: it.Subject,
			Sender:  it.Sender,
			Snippet: it.Snippet,
		})
	}
	res.Pending = len(pending)

	for batch := range slices.Chunk(pending, batchSize) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		results, err := c.Classify(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("classify batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		n, err := store.AttachAnalysis(ctx, trancheID, results)
		if err != nil {
			return res, err
		}
		res.Classified += n
		if n < len(batch) {
			log.Warnf("tranche %d batch %d: %d of %d items classified", trancheID, res.Batches, n, len(batch))
		}
	}
	log.Infof("tranche %d: classified %d of %d pending items in %d batches", trancheID, res.Classified, res.Pending, res.Batches)
	return res, nil
}

// FileResult counts filed items per folder.
type FileResult struct {
	Filed   int
	Folders map[string]int
}

// File moves analysed, unprocessed items of a completed tranche into their
// suggested folders and marks them processed. A failing folder stops the
// run; folders filed before it stay processed.
func File(ctx context.Context, store Store, trancheID int, filer Filer, log Logger) (FileResult, error) {
	res := FileResult{Folders: make(map[string]int)}
	t, err := completedTranche(ctx, store, trancheID)
	if err != nil {
		return res, err
	}

	groups := make(map[string][]string)
	for _, it := range t.Items {
		if it.Processed || it.Analysis == nil || it.Analysis.SuggestedFolder == "" {
			continue
		}
		f := it.Analysis.SuggestedFolder
		groups[f] = append(groups[f], it.ID)
	}
	folders := make([]string, 0, len(groups))
	for f := range groups {
		folders = append(folders, f)
	}
	slices.Sort(folders)

	for _, folder := range folders {
		ids := groups[folder]
		if err := filer.FileMessages(ctx, folder, ids); err != nil {
			return res, fmt.Errorf("file into %q: %w", folder, err)
		}
		if err := store.MarkProcessed(ctx, trancheID, ids); err != nil {
			return res, err
		}
		res.Filed += len(ids)
		res.Folders[folder] = len(ids)
		log.Infof("tranche %d: filed %d items into %q", trancheID, len(ids), folder)
	}
	return res, nil
}
