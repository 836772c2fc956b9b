package changelog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/quill/internal/step"
)

// ErrCheckpointAhead is reported when the latest checkpoint names a key the
// log does not reach.
var ErrCheckpointAhead = errors.New("checkpoint key beyond the end of the log")

// ReplayResult is a branch document rebuilt from its log.
type ReplayResult struct {
	Text       string
	HighestKey int64
	Records    int

	// Dropped lists the keys of records that failed to decode or apply.
	// Each is dropped alone and leaves the document unchanged. A live
	// replica drops the same unit: a merged initial change that fails is
	// reapplied one record at a time.
	Dropped []int64

	// Checkpoint reports the latest stored checkpoint, if any.
	Checkpoint *CheckpointCheck
}

// CheckpointCheck is the outcome of verifying a checkpoint against the
// replayed document. Err is nil when they match.
type CheckpointCheck struct {
	Key int64
	Err error
}

// Replay rebuilds the document of remote from key 1 and verifies the
// latest checkpoint against the text at its key.
func Replay(ctx context.Context, remote Remote, registry *step.Registry) (ReplayResult, error) {
	if registry == nil {
		registry = step.DefaultRegistry
	}
	records, err := remote.Range(ctx, 1)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: %w", remote.BranchID(), err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	cp, hasCheckpoint, err := remote.LatestCheckpoint(ctx)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %s: latest checkpoint: %w", remote.BranchID(), err)
	}

	var res ReplayResult
	doc := step.Doc("")
	checked := false
	for _, kr := range records {
		if hasCheckpoint && !checked && kr.Key > cp.Key {
			res.Checkpoint = &CheckpointCheck{Key: cp.Key, Err: cp.Verify(string(doc))}
			checked = true
		}
		res.Records++
		res.HighestKey = kr.Key
		next, err := applyRecord(registry, doc, kr)
		if err != nil {
			res.Dropped = append(res.Dropped, kr.Key)
			continue
		}
		doc = next
	}
	if hasCheckpoint && !checked {
		check := &CheckpointCheck{Key: cp.Key}
		if cp.Key > res.HighestKey {
			check.Err = fmt.Errorf("checkpoint %d, log ends at %d: %w", cp.Key, res.HighestKey, ErrCheckpointAhead)
		} else {
			check.Err = cp.Verify(string(doc))
		}
		res.Checkpoint = check
	}
	res.Text = string(doc)
	return res, nil
}

func applyRecord(registry *step.Registry, doc step.Doc, kr KeyedRecord) (step.Doc, error) {
	steps, err := registry.DecodeAll(kr.Record.Steps)
	if err != nil {
		return doc, &DecodeError{Key: kr.Key, Err: err}
	}
	for i, s := range steps {
		doc, err = s.Apply(doc)
		if err != nil {
			return doc, fmt.Errorf("record %d step %d: %w", kr.Key, i, err)
		}
	}
	return doc, nil
}

// Restore returns the document and key of the latest checkpoint of
// remote. With no checkpoint it returns an empty document at key 0.
func Restore(ctx context.Context, remote Checkpoints) (step.Doc, int64, error) {
	cp, ok, err := remote.LatestCheckpoint(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("restore: latest checkpoint: %w", err)
	}
	if !ok {
		return "", 0, nil
	}
	text, err := cp.Text()
	if err != nil {
		return "", 0, fmt.Errorf("restore: %w", err)
	}
	return step.Doc(text), cp.Key, nil
}
