package uploadapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 answers the multipart upload API subset S3Client uses, recording
// every call.
type fakeS3 struct {
	mu        sync.Mutex
	creates   int
	completes int
	parts     []string
}

func (f *fakeS3) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		query := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && query.Has("uploads"):
			f.creates++
			fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>media-bucket</Bucket><Key>%s</Key><UploadId>upload-1</UploadId></InitiateMultipartUploadResult>`, r.URL.Path[1:])
		case r.Method == http.MethodPut && query.Get("partNumber") != "":
			io.Copy(io.Discard, r.Body)
			f.parts = append(f.parts, query.Get("partNumber"))
			w.Header().Set("ETag", `"etag-`+query.Get("partNumber")+`"`)
		case r.Method == http.MethodPost && query.Get("uploadId") != "":
			f.completes++
			fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>media-bucket</Bucket><Key>%s</Key><ETag>"final"</ETag></CompleteMultipartUploadResult>`, r.URL.Path[1:])
		default:
			http.Error(w, "unexpected request", http.StatusBadRequest)
		}
	})
}

func newS3TestClient(t *testing.T, fake *fakeS3) (*S3Client, func()) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(server.URL),
		Region:       "us-east-1",
		Credentials:  aws.AnonymousCredentials{},
		UsePathStyle: true,
	})
	return NewS3Client(client, "media-bucket", "galleries"), server.Close
}

func TestS3UploadChunk_SequentialPartsAndDigest(t *testing.T) {
	fake := &fakeS3{}
	client, closeServer := newS3TestClient(t, fake)
	defer closeServer()

	chunk := make([]byte, 1024)
	for i, offset := range []int64{0, 1024} {
		ack, err := client.UploadChunk(context.Background(), "p1", "k1", chunk, offset)
		if err != nil {
			t.Fatalf("chunk %d failed: %v", i, err)
		}
		if ack.Offset != offset+1024 {
			t.Errorf("chunk %d ack offset = %d", i, ack.Offset)
		}
	}

	digest, err := client.CreatePostDigest(context.Background(), &DigestRequest{PostID: "p1", Key: "k1"})
	if err != nil {
		t.Fatalf("CreatePostDigest failed: %v", err)
	}
	if digest.MediaURL != "s3://media-bucket/galleries/p1/media" {
		t.Errorf("media URL = %q", digest.MediaURL)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 1 {
		t.Errorf("multipart uploads initiated = %d, want 1", fake.creates)
	}
	if len(fake.parts) != 2 || fake.parts[0] != "1" || fake.parts[1] != "2" {
		t.Errorf("parts uploaded = %v, want [1 2]", fake.parts)
	}
	if fake.completes != 1 {
		t.Errorf("completes = %d, want 1", fake.completes)
	}
}

// A restarted process has no multipart registry, so a chunk at a non-zero
// offset must not initiate a fresh upload that would assemble a short
// object. The client reports ErrResumeUnsupported instead.
func TestS3UploadChunk_MidFileOffsetWithoutStateRestartsNothing(t *testing.T) {
	fake := &fakeS3{}
	client, closeServer := newS3TestClient(t, fake)
	defer closeServer()

	_, err := client.UploadChunk(context.Background(), "p1", "k1", make([]byte, 1024), 5*1024*1024)
	if !errors.Is(err, ErrResumeUnsupported) {
		t.Fatalf("err = %v, want ErrResumeUnsupported", err)
	}
	if IsTransient(err) {
		t.Error("resume refusal must not be retried as transient")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 0 {
		t.Errorf("multipart uploads initiated = %d, want 0", fake.creates)
	}
	if len(fake.parts) != 0 {
		t.Errorf("parts uploaded = %v, want none", fake.parts)
	}
}
