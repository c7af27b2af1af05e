package store

import (
	"context"
	"fmt"
	"sort"
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
	pkPrefix = "RUN#"
	fpPrefix = "FP#"
	skMeta   = "META"
	skDoc    = "DOC#"

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25
)

// DynamoStore implements RunStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ RunStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// --- Internal helpers ---

// runPK returns the partition key for a run.
func runPK(runID string) string {
	return pkPrefix + runID
}

// docSK returns the sort key for a document record. The index is
// zero-padded so lexical DynamoDB ordering matches document order.
func docSK(index int) string {
	return fmt.Sprintf("%s%05d", skDoc, index)
}

// parseDocIndex recovers the document index from a DOC# sort key.
func parseDocIndex(sk string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(sk, skDoc))
	if err != nil {
		return 0, false
	}
	return n, true
}

// expiresAt returns the Unix epoch timestamp for record expiration.
func expiresAt(ttl time.Duration) int64 {
	return time.Now().Add(ttl).Unix()
}

// putItem marshals a domain object and writes it to DynamoDB with PK, SK,
// and TTL. The domain object should use dynamodbav:"-" for fields derived
// from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, ttl time.Duration, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	// Add key and TTL attributes (overwrite any conflicting keys from the data).
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(ttl), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item from DynamoDB and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// queryBySKPrefix queries all items for a run where SK begins with the
// given prefix. Returns raw DynamoDB items for flexible processing by the
// caller.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, runID, skPrefix string) ([]map[string]types.AttributeValue, error) {
	pk := runPK(runID)

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// Handle pagination: DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

// batchDeleteKeys deletes multiple items by their PK/SK keys.
// Handles DynamoDB's 25-item-per-batch limit automatically.
func (s *DynamoStore) batchDeleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for i := 0; i < len(keys); i += maxBatchWrite {
		end := i + maxBatchWrite
		if end > len(keys) {
			end = len(keys)
		}

		var requests []types.WriteRequest
		for _, key := range keys[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.tableName: requests,
			},
		})
		if err != nil {
			return fmt.Errorf("BatchWriteItem delete (%d items): %w", len(requests), err)
		}

		// Note: UnprocessedItems are not retried here. With PAY_PER_REQUEST
		// billing and low throughput, unprocessed items are extremely rare.
		// The 24-hour TTL provides a safety net for any missed deletes.
	}
	return nil
}

// --- Run operations ---

func (s *DynamoStore) PutRun(ctx context.Context, run *Run) error {
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().Unix()
	}

	if err := s.putItem(ctx, runPK(run.ID), skMeta, RunTTL, run); err != nil {
		return fmt.Errorf("put run %s: %w", run.ID, err)
	}

	log.Debug().
		Str("runId", run.ID).
		Str("status", run.Status).
		Int("documents", run.Documents).
		Int("escalated", run.Escalated).
		Msg("Run persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	found, err := s.getItem(ctx, runPK(runID), skMeta, &run)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !found {
		return nil, nil
	}

	run.ID = runID
	return &run, nil
}

func (s *DynamoStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: runPK(runID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET #s = :s"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // "status" is a DynamoDB reserved word
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: status},
		},
	})
	if err != nil {
		return fmt.Errorf("update run status %s -> %s: %w", runID, status, err)
	}

	log.Debug().Str("runId", runID).Str("status", status).Msg("Run status updated")
	return nil
}

// --- Document operations ---

func (s *DynamoStore) PutDocumentResult(ctx context.Context, runID string, doc *DocumentResult) error {
	sk := docSK(doc.Index)
	if err := s.putItem(ctx, runPK(runID), sk, RunTTL, doc); err != nil {
		return fmt.Errorf("put document result %s/%d: %w", runID, doc.Index, err)
	}

	log.Debug().
		Str("runId", runID).
		Int("document", doc.Index).
		Str("status", doc.Status).
		Int("pages", doc.Pages).
		Int("escalated", doc.Escalated).
		Msg("Document result persisted")
	return nil
}

func (s *DynamoStore) GetDocumentResults(ctx context.Context, runID string) ([]*DocumentResult, error) {
	items, err := s.queryBySKPrefix(ctx, runID, skDoc)
	if err != nil {
		return nil, fmt.Errorf("get document results for %s: %w", runID, err)
	}

	docs := make([]*DocumentResult, 0, len(items))
	for _, item := range items {
		var doc DocumentResult
		if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
			log.Warn().Err(err).Str("runId", runID).Msg("Failed to unmarshal document result, skipping")
			continue
		}

		// Recover the index from SK: "DOC#00042" -> 42
		if skAttr, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			if n, ok := parseDocIndex(skAttr.Value); ok {
				doc.Index = n
			}
		}
		doc.RunID = runID

		docs = append(docs, &doc)
	}

	// Zero-padded sort keys arrive ordered, but a resumed pagination pass
	// does not guarantee it.
	sort.Slice(docs, func(i, j int) bool { return docs[i].Index < docs[j].Index })
	return docs, nil
}

// --- Run listing ---

// ListRuns scans for META records. A Scan is acceptable here: run volume is
// low and records expire after 24 hours, so the table stays small.
func (s *DynamoStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	input := &dynamodb.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: aws.String("SK = :meta AND begins_with(PK, :pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":meta": &types.AttributeValueMemberS{Value: skMeta},
			":pk":   &types.AttributeValueMemberS{Value: pkPrefix},
		},
	}

	var runs []*Run
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan runs: %w", err)
		}

		for _, item := range result.Items {
			var run Run
			if err := attributevalue.UnmarshalMap(item, &run); err != nil {
				log.Warn().Err(err).Msg("Failed to unmarshal run, skipping")
				continue
			}
			if pkAttr, ok := item["PK"].(*types.AttributeValueMemberS); ok {
				run.ID = strings.TrimPrefix(pkAttr.Value, pkPrefix)
			}
			runs = append(runs, &run)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt > runs[j].CreatedAt })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- Run deletion ---

func (s *DynamoStore) DeleteRun(ctx context.Context, runID string) ([]string, error) {
	// Query all items for this run (keys only to minimize read capacity).
	pk := runPK(runID)
	queryInput := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ProjectionExpression: aws.String("PK, SK"),
	}

	var keysToDelete []map[string]types.AttributeValue
	var deletedSKs []string

	for {
		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("query run %s for deletion: %w", runID, err)
		}

		for _, item := range result.Items {
			skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			keysToDelete = append(keysToDelete, map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			})
			deletedSKs = append(deletedSKs, skAttr.Value)
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		queryInput.ExclusiveStartKey = result.LastEvaluatedKey
	}

	if len(keysToDelete) == 0 {
		log.Debug().Str("runId", runID).Msg("No run records to delete")
		return nil, nil
	}

	if err := s.batchDeleteKeys(ctx, keysToDelete); err != nil {
		return deletedSKs, fmt.Errorf("batch delete run %s: %w", runID, err)
	}

	log.Info().
		Str("runId", runID).
		Int("deleted", len(deletedSKs)).
		Msg("Run records deleted from DynamoDB")

	return deletedSKs, nil
}
