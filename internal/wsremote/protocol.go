// Package wsremote carries a changelog.Branch over a websocket.
//
// One connection serves one branch, named by the "branch" query parameter.
// Frames are CBOR maps in core deterministic encoding. Requests carry a
// connection-unique id echoed by the response. Subscriptions carry a
// client-chosen sub id; the server pushes "change" or "discussion" frames
// under that id and a final "end" frame when the subscription stops.
package wsremote

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

// Request operations.
const (
	opRange                = "range"
	opClaim                = "claim"
	opSubscribeChanges     = "subscribe_changes"
	opSubscribeDiscussions = "subscribe_discussions"
	opUnsubscribe          = "unsubscribe"
	opGetDiscussion        = "get_discussion"
	opPutDiscussionIf      = "put_discussion_if"
	opRemoveDiscussion     = "remove_discussion"
	opStoreCheckpoint      = "store_checkpoint"
	opLatestCheckpoint     = "latest_checkpoint"
)

// Server push operations.
const (
	opResult     = "result"
	opChange     = "change"
	opDiscussion = "discussion"
	opEnd        = "end"
)

// Error codes mapped back to changelog sentinels on the client.
const (
	codeClosed     = "closed"
	codeInvalidKey = "invalid_key"
	codeNotFound   = "not_found"
	codeInternal   = "internal"
)

// frame is the single message shape in both directions. Unused fields are
// omitted on the wire.
type frame struct {
	ID  uint64 `cbor:"id,omitempty"`
	Op  string `cbor:"op"`
	Sub uint64 `cbor:"sub,omitempty"`

	Key          int64  `cbor:"key,omitempty"`
	Start        int64  `cbor:"start,omitempty"`
	DiscussionID string `cbor:"did,omitempty"`
	Rev          int64  `cbor:"rev,omitempty"`
	OK           bool   `cbor:"ok,omitempty"`

	Record     *record.ChangeRecord    `cbor:"record,omitempty"`
	Records    []record.KeyedRecord    `cbor:"records,omitempty"`
	Change     *record.KeyedRecord     `cbor:"change,omitempty"`
	Event      *record.DiscussionEvent `cbor:"event,omitempty"`
	Discussion *record.Discussion      `cbor:"discussion,omitempty"`
	Checkpoint *record.Checkpoint      `cbor:"checkpoint,omitempty"`

	ErrCode string `cbor:"errCode,omitempty"`
	Err     string `cbor:"err,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wsremote: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wsremote: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// errorFrame fills the error fields of a response.
func errorFrame(f frame, err error) frame {
	switch {
	case errors.Is(err, changelog.ErrClosed):
		f.ErrCode = codeClosed
	case errors.Is(err, changelog.ErrInvalidKey):
		f.ErrCode = codeInvalidKey
	case errors.Is(err, changelog.ErrNotFound):
		f.ErrCode = codeNotFound
	default:
		f.ErrCode = codeInternal
	}
	f.Err = err.Error()
	return f
}

// RemoteError is a failure reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes back to changelog sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case codeClosed:
		return changelog.ErrClosed
	case codeInvalidKey:
		return changelog.ErrInvalidKey
	case codeNotFound:
		return changelog.ErrNotFound
	}
	return nil
}

func frameError(f frame) error {
	if f.ErrCode == "" {
		return nil
	}
	return &RemoteError{Code: f.ErrCode, Message: f.Err}
}
