package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "GALLERY#"
	skPrefix = "POST#"
)

// DynamoRecordStore implements RecordStore using AWS DynamoDB.
type DynamoRecordStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ RecordStore = (*DynamoRecordStore)(nil)

// NewDynamoRecordStore creates a DynamoRecordStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoRecordStore(client *dynamodb.Client, tableName string) *DynamoRecordStore {
	return &DynamoRecordStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

// galleryPK returns the partition key for a gallery.
func galleryPK(galleryID string) string {
	return pkPrefix + galleryID
}

// postSK returns the sort key for a post record.
func postSK(postID string) string {
	return skPrefix + postID
}

// expiresAt returns the Unix epoch timestamp for record expiration (now + RecordTTL).
func expiresAt() int64 {
	return time.Now().Add(RecordTTL).Unix()
}

// --- RecordStore implementation ---

// Save marshals the record and writes it with PK, SK, and TTL.
// Repeated saves for the same record are plain overwrites; the engine
// calls this after every acknowledged chunk.
func (s *DynamoRecordStore) Save(ctx context.Context, record *UploadRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pk := galleryPK(record.GalleryID)
	sk := postSK(record.PostID)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	start := time.Now()
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	duration := time.Since(start)
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	log.Debug().
		Str("pk", pk).
		Str("sk", sk).
		Str("state", string(record.State)).
		Int64("uploadedBytes", record.UploadedBytes).
		Dur("duration", duration).
		Msg("Upload record persisted")
	return nil
}

// FetchIncomplete scans the table for records whose state is not terminal.
// A scan is acceptable here: the table only ever holds records for batches
// in flight, so it is small by construction.
func (s *DynamoRecordStore) FetchIncomplete(ctx context.Context) ([]*UploadRecord, error) {
	input := &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("#st <> :completed AND #st <> :failed"),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(StateCompleted)},
			":failed":    &types.AttributeValueMemberS{Value: string(StateFailed)},
		},
	}

	var records []*UploadRecord
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan incomplete records: %w", err)
		}
		for _, item := range page.Items {
			record, err := unmarshalRecord(item)
			if err != nil {
				log.Warn().Err(err).Msg("Skipping unreadable upload record")
				continue
			}
			records = append(records, record)
		}
	}

	log.Debug().Int("count", len(records)).Msg("Fetched incomplete upload records")
	return records, nil
}

// Delete removes the record for a post. Called only after the digest call
// has returned success, or when explicitly clearing cached uploads.
func (s *DynamoRecordStore) Delete(ctx context.Context, galleryID, postID string) error {
	pk := galleryPK(galleryID)
	sk := postSK(postID)

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return fmt.Errorf("DeleteItem PK=%s SK=%s: %w", pk, sk, err)
	}
	log.Debug().Str("pk", pk).Str("sk", sk).Msg("Upload record deleted")
	return nil
}

// unmarshalRecord converts a DynamoDB item back into an UploadRecord,
// deriving GalleryID and PostID from PK/SK.
func unmarshalRecord(item map[string]types.AttributeValue) (*UploadRecord, error) {
	var record UploadRecord
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	pkAttr, ok := item["PK"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("record missing string PK")
	}
	skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("record missing string SK")
	}
	record.GalleryID = strings.TrimPrefix(pkAttr.Value, pkPrefix)
	record.PostID = strings.TrimPrefix(skAttr.Value, skPrefix)
	return &record, nil
}
