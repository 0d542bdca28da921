// Package dynamo implements the metadata store on a single DynamoDB table
// keyed by PK/SK with an entityType-PK secondary index.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kozaktomas/face-tagger/internal/database"
)

// Attribute names.
const (
	attrPK          = "PK"
	attrSK          = "SK"
	attrEntityType  = "entityType"
	attrDisplayName = "displayName"
	attrS3Key       = "s3Key"
	attrImages      = "images"
	attrPersonID    = "personId"
	attrLimit       = "limit"
	attrCreatedAt   = "createdAt"
	attrUpdatedAt   = "updatedAt"
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store is a database.RecordWriter over DynamoDB.
type Store struct {
	client    DDBClient
	table     string
	indexName string
}

// NewStore creates a store for table. An empty indexName selects the
// default entityType-PK index.
func NewStore(client DDBClient, table, indexName string) *Store {
	if indexName == "" {
		indexName = database.EntityIndexName
	}
	return &Store{client: client, table: table, indexName: indexName}
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// toItem omits empty optional attributes; DynamoDB rejects empty key
// attributes of secondary indexes.
func toItem(rec database.Record) map[string]types.AttributeValue {
	item := key(rec.PK, rec.SK)
	if rec.EntityType != "" {
		item[attrEntityType] = str(rec.EntityType)
	}
	if rec.DisplayName != "" {
		item[attrDisplayName] = str(rec.DisplayName)
	}
	if rec.S3Key != "" {
		item[attrS3Key] = str(rec.S3Key)
	}
	if len(rec.Images) > 0 {
		m := make(map[string]types.AttributeValue, len(rec.Images))
		for k, v := range rec.Images {
			m[k] = str(v)
		}
		item[attrImages] = &types.AttributeValueMemberM{Value: m}
	}
	if rec.PersonID != "" {
		item[attrPersonID] = str(rec.PersonID)
	}
	if rec.EntityType == database.EntityCounter || rec.Limit != 0 {
		item[attrLimit] = num(rec.Limit)
	}
	if rec.CreatedAt != 0 {
		item[attrCreatedAt] = num(rec.CreatedAt)
	}
	if rec.UpdatedAt != 0 {
		item[attrUpdatedAt] = num(rec.UpdatedAt)
	}
	return item
}

func getString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getInt(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func fromItem(item map[string]types.AttributeValue) (database.Record, error) {
	rec := database.Record{
		PK:          getString(item, attrPK),
		SK:          getString(item, attrSK),
		EntityType:  getString(item, attrEntityType),
		DisplayName: getString(item, attrDisplayName),
		S3Key:       getString(item, attrS3Key),
		PersonID:    getString(item, attrPersonID),
	}
	if m, ok := item[attrImages].(*types.AttributeValueMemberM); ok {
		rec.Images = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				rec.Images[k] = s.Value
			}
		}
	}
	var err error
	if rec.Limit, err = getInt(item, attrLimit); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = getInt(item, attrCreatedAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = getInt(item, attrUpdatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// GetItem returns nil when the item does not exist.
func (s *Store) GetItem(ctx context.Context, pk, sk string) (*database.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", pk, sk, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := fromItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode item %s/%s: %w", pk, sk, err)
	}
	return &rec, nil
}

func (s *Store) query(ctx context.Context, in *dynamodb.QueryInput) ([]database.Record, error) {
	var out []database.Record
	for {
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			rec, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// QueryByEntityType queries the secondary index for (entityType, pk).
func (s *Store) QueryByEntityType(ctx context.Context, entityType, pk string) ([]database.Record, error) {
	out, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.indexName),
		KeyConditionExpression: aws.String("entityType = :et AND PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":et": str(entityType),
			":pk": str(pk),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", entityType, pk, err)
	}
	return out, nil
}

// ListByEntityType reads every item of one entity type from the secondary index.
func (s *Store) ListByEntityType(ctx context.Context, entityType string) ([]database.Record, error) {
	out, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.indexName),
		KeyConditionExpression: aws.String("entityType = :et"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":et": str(entityType),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	return out, nil
}

func (s *Store) PutItem(ctx context.Context, rec database.Record) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      toItem(rec),
	})
	if err != nil {
		return fmt.Errorf("put item %s/%s: %w", rec.PK, rec.SK, err)
	}
	return nil
}

// CreateItem is a conditional put that never overwrites an existing item.
func (s *Store) CreateItem(ctx context.Context, rec database.Record) (bool, error) {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                toItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("create item %s/%s: %w", rec.PK, rec.SK, err)
	}
	return true, nil
}

// IncrementCounter is one UpdateItem; DynamoDB applies it atomically.
func (s *Store) IncrementCounter(ctx context.Context, pk, sk, entityType string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              key(pk, sk),
		UpdateExpression: aws.String("SET #limit = if_not_exists(#limit, :zero) + :one, entityType = if_not_exists(entityType, :et)"),
		ExpressionAttributeNames: map[string]string{
			"#limit": attrLimit,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": num(0),
			":one":  num(1),
			":et":   str(entityType),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", pk, err)
	}
	if _, ok := out.Attributes[attrLimit]; !ok {
		return 0, fmt.Errorf("increment %s: no %s in response", pk, attrLimit)
	}
	return getInt(out.Attributes, attrLimit)
}

// LinkUserPerson sets personId on the user item keyed by email.
func (s *Store) LinkUserPerson(ctx context.Context, email, personID string, updatedAt int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              key(email, email),
		UpdateExpression: aws.String("SET personId = :person, updatedAt = :updated, entityType = if_not_exists(entityType, :et)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":person":  str(personID),
			":updated": num(updatedAt),
			":et":      str(database.EntityUser),
		},
	})
	if err != nil {
		return fmt.Errorf("link user %s to %s: %w", email, personID, err)
	}
	return nil
}
