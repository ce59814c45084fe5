package uploader

import (
	"errors"
	"fmt"
)

// ErrAlreadyUploading is returned by StartNewUpload when a batch session is
// already in flight. The active batch is left untouched.
var ErrAlreadyUploading = errors.New("an upload batch is already in progress")

// MalformedPostError marks a post descriptor that could not be accepted into
// a batch: missing post ID or key, or an unresolvable asset reference. The
// offending post is skipped; the rest of the batch proceeds.
type MalformedPostError struct {
	PostID string
	Reason string
	Err    error
}

func (e *MalformedPostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed post %q: %s: %v", e.PostID, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed post %q: %s", e.PostID, e.Reason)
}

func (e *MalformedPostError) Unwrap() error { return e.Err }

// TranscodeError is terminal for its asset; transcoding is never retried.
type TranscodeError struct {
	AssetRef string
	Err      error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode failed for %s: %v", e.AssetRef, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// UploadError is the terminal form of a chunk transfer failure, produced
// either directly by a non-retryable API response or by exhausting the
// bounded retry budget on transient failures.
type UploadError struct {
	PostID   string
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed for post %s after %d attempt(s): %v", e.PostID, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DigestError marks a failed post-creation digest call. Terminal for the
// asset; the durable record keeps its acknowledged-bytes offset so a later
// run does not re-send uploaded chunks.
type DigestError struct {
	PostID string
	Err    error
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("digest failed for post %s: %v", e.PostID, e.Err)
}

func (e *DigestError) Unwrap() error { return e.Err }
