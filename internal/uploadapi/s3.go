package uploadapi

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Client implements Client by streaming chunks into an S3 multipart
// upload, one upload per post. CreatePostDigest completes the multipart
// upload and writes a small metadata object next to the media.
//
// Chunk offsets map to part numbers (offset / chunk size + 1), so the
// engine's fixed chunk size must be at least the S3 part minimum (5 MiB)
// for all parts but the last.
type S3Client struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	pending map[string]*multipartState
}

// multipartState tracks one in-flight S3 multipart upload.
type multipartState struct {
	uploadID  string
	key       string
	chunkSize int64
	parts     []types.CompletedPart
}

// Compile-time interface check.
var _ Client = (*S3Client)(nil)

// NewS3Client creates an S3-backed upload client. Objects are written under
// prefix/{postID}/.
func NewS3Client(client *s3.Client, bucket, prefix string) *S3Client {
	return &S3Client{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		pending: make(map[string]*multipartState),
	}
}

// UploadChunk uploads one part of the post's multipart upload. The first
// chunk for a post initiates the multipart upload and pins the chunk size;
// subsequent offsets must be multiples of it.
func (c *S3Client) UploadChunk(ctx context.Context, postID, key string, chunk []byte, offset int64) (*Ack, error) {
	state, err := c.ensureUpload(ctx, postID, int64(len(chunk)), offset)
	if err != nil {
		return nil, err
	}

	partNumber := int32(offset/state.chunkSize) + 1
	result, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     &c.bucket,
		Key:        &state.key,
		UploadId:   &state.uploadID,
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(chunk),
	})
	if err != nil {
		// S3 part uploads fail mostly on connectivity; let the worker retry.
		return nil, &TransientError{Err: fmt.Errorf("upload part %d for %s: %w", partNumber, postID, err)}
	}

	c.mu.Lock()
	state.parts = append(state.parts, types.CompletedPart{
		ETag:       result.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	c.mu.Unlock()

	log.Debug().
		Str("postId", postID).
		Int32("part", partNumber).
		Int("bytes", len(chunk)).
		Msg("S3 part uploaded")

	return &Ack{Offset: offset + int64(len(chunk)), Received: int64(len(chunk))}, nil
}

// CreatePostDigest completes the multipart upload and returns a digest
// pointing at the finished object.
func (c *S3Client) CreatePostDigest(ctx context.Context, req *DigestRequest) (*Digest, error) {
	c.mu.Lock()
	state, ok := c.pending[req.PostID]
	delete(c.pending, req.PostID)
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no multipart upload in flight for post %s", req.PostID)
	}

	// S3 requires parts in ascending order.
	sortParts(state.parts)

	start := time.Now()
	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &c.bucket,
		Key:      &state.key,
		UploadId: &state.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: state.parts,
		},
	})
	if err != nil {
		// Re-register so a later digest retry within this run can complete it.
		c.mu.Lock()
		c.pending[req.PostID] = state
		c.mu.Unlock()
		return nil, &TransientError{Err: fmt.Errorf("complete multipart upload for %s: %w", req.PostID, err)}
	}

	log.Info().
		Str("postId", req.PostID).
		Str("key", state.key).
		Int("parts", len(state.parts)).
		Dur("duration", time.Since(start)).
		Msg("S3 multipart upload completed")

	return &Digest{
		PostID:   req.PostID,
		MediaURL: fmt.Sprintf("s3://%s/%s", c.bucket, state.key),
	}, nil
}

// ensureUpload initiates the multipart upload for a post on first use.
func (c *S3Client) ensureUpload(ctx context.Context, postID string, chunkLen, offset int64) (*multipartState, error) {
	c.mu.Lock()
	if state, ok := c.pending[postID]; ok {
		c.mu.Unlock()
		return state, nil
	}
	c.mu.Unlock()

	// The multipart registry is in-memory only. Initiating a fresh upload at
	// a non-zero offset would complete with the earlier parts missing, so a
	// resumed asset must restart from zero instead.
	if offset != 0 {
		return nil, fmt.Errorf("no multipart upload in flight for %s at offset %d: %w", postID, offset, ErrResumeUnsupported)
	}

	key := path.Join(c.prefix, postID, "media")
	result, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("create multipart upload for %s: %w", postID, err)}
	}

	state := &multipartState{
		uploadID:  aws.ToString(result.UploadId),
		key:       key,
		chunkSize: chunkLen,
	}

	c.mu.Lock()
	// Another chunk may have raced us; keep the first registration.
	if existing, ok := c.pending[postID]; ok {
		c.mu.Unlock()
		abortInput := &s3.AbortMultipartUploadInput{
			Bucket:   &c.bucket,
			Key:      &key,
			UploadId: result.UploadId,
		}
		if _, err := c.client.AbortMultipartUpload(ctx, abortInput); err != nil {
			log.Warn().Err(err).Str("postId", postID).Msg("Failed to abort duplicate multipart upload")
		}
		return existing, nil
	}
	c.pending[postID] = state
	c.mu.Unlock()

	log.Debug().Str("postId", postID).Str("key", key).Msg("S3 multipart upload initiated")
	return state, nil
}

// sortParts orders completed parts by part number (insertion sort; part
// counts are small).
func sortParts(parts []types.CompletedPart) {
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && aws.ToInt32(parts[j].PartNumber) < aws.ToInt32(parts[j-1].PartNumber); j-- {
			parts[j], parts[j-1] = parts[j-1], parts[j]
		}
	}
}
