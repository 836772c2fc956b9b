package changelog

import (
	"context"

	"github.com/roach88/quill/internal/record"
)

// FollowChanges implements Log.SubscribeChanges for backends that publish
// every committed record to hub.
//
// It subscribes before reading the backlog so no commit can fall between
// the two, then drops live records the backlog already covered.
func FollowChanges(
	ctx context.Context,
	start int64,
	hub *Hub[KeyedRecord],
	backlog func(ctx context.Context, start int64) ([]KeyedRecord, error),
) (<-chan KeyedRecord, error) {
	subCtx, cancel := context.WithCancel(ctx)
	live := hub.Subscribe(subCtx)

	past, err := backlog(ctx, start)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan KeyedRecord)
	go func() {
		defer cancel()
		defer close(out)

		last := start - 1
		send := func(kr KeyedRecord) bool {
			if kr.Key <= last {
				return true
			}
			select {
			case out <- kr:
				last = kr.Key
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, kr := range past {
			if !send(kr) {
				return
			}
		}
		for kr := range live {
			if !send(kr) {
				return
			}
		}
	}()
	return out, nil
}

// FollowDiscussions implements Discussions.SubscribeDiscussions for
// backends that publish every discussion change to hub. The snapshot is
// emitted as added events before any live event.
func FollowDiscussions(
	ctx context.Context,
	hub *Hub[record.DiscussionEvent],
	snapshot func(ctx context.Context) (map[string]*record.Discussion, error),
) (<-chan record.DiscussionEvent, error) {
	subCtx, cancel := context.WithCancel(ctx)
	live := hub.Subscribe(subCtx)

	current, err := snapshot(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan record.DiscussionEvent)
	go func() {
		defer cancel()
		defer close(out)

		for _, id := range sortedIDs(current) {
			ev := record.DiscussionEvent{Type: record.DiscussionAdded, ID: id, Discussion: current[id]}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		for ev := range live {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
