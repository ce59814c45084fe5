package store

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestRecordStateTerminal(t *testing.T) {
	terminal := []RecordState{StateCompleted, StateFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	nonTerminal := []RecordState{StateQueued, StateTranscoding, StateTranscoded, StateUploading, StateAbandoned}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestKeyDerivation(t *testing.T) {
	if got := galleryPK("g-123"); got != "GALLERY#g-123" {
		t.Errorf("galleryPK = %q", got)
	}
	if got := postSK("p-456"); got != "POST#p-456" {
		t.Errorf("postSK = %q", got)
	}
}

func TestUnmarshalRecord_DerivesIDsFromKeys(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: "GALLERY#g-1"},
		"SK":            &types.AttributeValueMemberS{Value: "POST#p-1"},
		"key":           &types.AttributeValueMemberS{Value: "auth-key"},
		"assetRef":      &types.AttributeValueMemberS{Value: "/media/a.jpg"},
		"kind":          &types.AttributeValueMemberS{Value: "photo"},
		"state":         &types.AttributeValueMemberS{Value: "uploading"},
		"totalBytes":    &types.AttributeValueMemberN{Value: "1000"},
		"uploadedBytes": &types.AttributeValueMemberN{Value: "400"},
	}

	record, err := unmarshalRecord(item)
	if err != nil {
		t.Fatalf("unmarshalRecord failed: %v", err)
	}
	if record.GalleryID != "g-1" || record.PostID != "p-1" {
		t.Errorf("derived IDs = (%q, %q), want (g-1, p-1)", record.GalleryID, record.PostID)
	}
	if record.State != StateUploading {
		t.Errorf("state = %q, want uploading", record.State)
	}
	if record.UploadedBytes != 400 || record.TotalBytes != 1000 {
		t.Errorf("bytes = %d/%d, want 400/1000", record.UploadedBytes, record.TotalBytes)
	}
}

func TestUnmarshalRecord_MissingKeys(t *testing.T) {
	_, err := unmarshalRecord(map[string]types.AttributeValue{
		"state": &types.AttributeValueMemberS{Value: "queued"},
	})
	if err == nil {
		t.Fatal("expected error for item without PK/SK")
	}
}
