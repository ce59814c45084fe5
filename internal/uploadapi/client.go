// Package uploadapi provides clients for the remote post-upload API: the
// chunked byte transfer endpoint and the post-creation digest endpoint.
//
// Two implementations exist. HTTPClient talks to the platform's own upload
// service over HTTPS with bearer auth. S3Client targets deployments where
// assets land directly in an S3 bucket via multipart upload and the digest
// only records the final object location.
package uploadapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultTimeout is the HTTP client timeout for a single chunk request.
	defaultTimeout = 2 * time.Minute
)

// Ack acknowledges a stored chunk.
type Ack struct {
	// Offset is the byte position the server expects next.
	Offset int64 `json:"offset"`
	// Received is the number of bytes the server accepted from this chunk.
	Received int64 `json:"received"`
}

// Digest is the server payload acknowledging successful post creation.
type Digest struct {
	PostID   string `json:"post_id"`
	MediaURL string `json:"media_url,omitempty"`
	// Raw carries any additional server-returned fields untouched.
	Raw map[string]any `json:"-"`
}

// DigestRequest is the metadata sent with the post-creation digest call.
type DigestRequest struct {
	PostID   string `json:"post_id"`
	Key      string `json:"key"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	IsVideo  bool   `json:"is_video"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	// TakenAt is the capture time in RFC 3339, empty if unknown.
	TakenAt string `json:"taken_at,omitempty"`
	// Thumbnail is an optional JPEG preview attached to the post.
	Thumbnail []byte `json:"thumbnail,omitempty"`
}

// Client is the remote API surface the upload engine needs.
type Client interface {
	// UploadChunk transfers one byte range. offset is the position of the
	// first byte of chunk within the full asset.
	UploadChunk(ctx context.Context, postID, key string, chunk []byte, offset int64) (*Ack, error)

	// CreatePostDigest finalizes the upload, creating the post remotely.
	CreatePostDigest(ctx context.Context, req *DigestRequest) (*Digest, error)
}

// --- Error classification ---

// ErrResumeUnsupported reports that the client cannot continue an upload
// at a non-zero offset because it holds no state for the earlier bytes.
// The engine restarts the asset from offset zero when it sees this.
var ErrResumeUnsupported = errors.New("resume not supported without prior upload state")

// TransientError wraps failures worth retrying: network errors, timeouts,
// HTTP 429 and 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upload error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// apiError is a non-retryable error response from the upload API.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upload API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upload API error (HTTP %d)", e.Status)
}

// --- Token handling ---

// TokenSource supplies the bearer token for API calls. Refresh is invoked
// once when the API rejects the current token with 401; the refreshed token
// is used for a single retry of the failed request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed token. Refresh returns the
// same token, so a 401 with a static token fails after the single retry.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(ctx context.Context) (string, error) { return string(t), nil }

// --- HTTP implementation ---

// HTTPClient implements Client against the platform upload service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an upload API client for the given base URL,
// e.g. "https://api.example.com/v2".
func NewHTTPClient(baseURL string, tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: baseURL,
		tokens:  tokens,
	}
}

// UploadChunk PUTs one byte range to /posts/{postID}/chunks.
func (c *HTTPClient) UploadChunk(ctx context.Context, postID, key string, chunk []byte, offset int64) (*Ack, error) {
	url := fmt.Sprintf("%s/posts/%s/chunks?offset=%d", c.baseURL, postID, offset)

	body, err := c.do(ctx, http.MethodPut, url, key, "application/octet-stream", chunk)
	if err != nil {
		return nil, fmt.Errorf("upload chunk post=%s offset=%d: %w", postID, offset, err)
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("parse chunk ack: %w", err)
	}
	if ack.Received == 0 {
		ack.Received = int64(len(chunk))
	}
	log.Debug().
		Str("postId", postID).
		Int64("offset", offset).
		Int("bytes", len(chunk)).
		Msg("Chunk acknowledged")
	return &ack, nil
}

// CreatePostDigest POSTs the finalization metadata to /posts/{postID}/digest.
func (c *HTTPClient) CreatePostDigest(ctx context.Context, req *DigestRequest) (*Digest, error) {
	url := fmt.Sprintf("%s/posts/%s/digest", c.baseURL, req.PostID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal digest request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, url, req.Key, "application/json", payload)
	if err != nil {
		return nil, fmt.Errorf("create post digest post=%s: %w", req.PostID, err)
	}

	var digest Digest
	if err := json.Unmarshal(body, &digest); err != nil {
		return nil, fmt.Errorf("parse digest response: %w", err)
	}
	if err := json.Unmarshal(body, &digest.Raw); err != nil {
		digest.Raw = nil
	}
	if digest.PostID == "" {
		digest.PostID = req.PostID
	}
	log.Info().Str("postId", req.PostID).Msg("Post digest created")
	return &digest, nil
}

// do sends one request with bearer auth, refreshing the token and retrying
// once on 401. Non-2xx responses are classified transient (429, 5xx) or
// terminal (other 4xx).
func (c *HTTPClient) do(ctx context.Context, method, url, postKey, contentType string, payload []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	body, status, err := c.send(ctx, method, url, token, postKey, contentType, payload)
	if err != nil {
		return nil, err
	}

	// Invalid token: refresh and retry once.
	if status == http.StatusUnauthorized {
		log.Warn().Str("url", url).Msg("Token rejected, refreshing and retrying once")
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		body, status, err = c.send(ctx, method, url, token, postKey, contentType, payload)
		if err != nil {
			return nil, err
		}
	}

	return classify(status, body)
}

// send performs a single HTTP exchange. Network failures come back wrapped
// as TransientError.
func (c *HTTPClient) send(ctx context.Context, method, url, token, postKey, contentType string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	if postKey != "" {
		req.Header.Set("X-Post-Key", postKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}
	return body, resp.StatusCode, nil
}

// classify maps an HTTP status to a success body, a transient error, or a
// terminal API error.
func classify(status int, body []byte) ([]byte, error) {
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &TransientError{Err: fmt.Errorf("HTTP %d", status)}
	default:
		apiErr := &apiError{Status: status}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}
}
