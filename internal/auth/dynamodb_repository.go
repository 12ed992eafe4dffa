package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDBRepository.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBRepository stores sessions in a DynamoDB table with token_hash as the partition key.
// expires_at holds epoch seconds so the table's TTL setting can reap old sessions.
type DynamoDBRepository struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// NewDynamoDBRepository creates a repository backed by tableName.
func NewDynamoDBRepository(client DynamoDBAPI, tableName string) *DynamoDBRepository {
	return &DynamoDBRepository{client: client, tableName: tableName, now: time.Now}
}

type sessionItem struct {
	TokenHash            string `dynamodbav:"token_hash"`
	ID                   string `dynamodbav:"id"`
	UserID               string `dynamodbav:"user_id"`
	Email                string `dynamodbav:"email"`
	FullName             string `dynamodbav:"full_name"`
	AvatarURL            string `dynamodbav:"avatar_url"`
	AccessToken          string `dynamodbav:"access_token"`
	RefreshToken         string `dynamodbav:"refresh_token"`
	ProviderToken        string `dynamodbav:"provider_token"`
	ProviderRefreshToken string `dynamodbav:"provider_refresh_token"`
	TokenExpiresAt       int64  `dynamodbav:"token_expires_at"`
	UserAgent            string `dynamodbav:"user_agent"`
	IPAddress            string `dynamodbav:"ip_address"`
	CreatedAt            int64  `dynamodbav:"created_at"`
	ExpiresAt            int64  `dynamodbav:"expires_at"`
}

func (r *DynamoDBRepository) CreateSession(ctx context.Context, session StoredSession) error {
	item, err := attributevalue.MarshalMap(sessionItem{
		TokenHash:            session.TokenHash,
		ID:                   session.ID.String(),
		UserID:               session.UserID,
		Email:                session.Email,
		FullName:             session.FullName,
		AvatarURL:            session.AvatarURL,
		AccessToken:          session.AccessToken,
		RefreshToken:         session.EncryptedRefreshToken,
		ProviderToken:        session.ProviderToken,
		ProviderRefreshToken: session.EncryptedProviderRefreshToken,
		TokenExpiresAt:       session.TokenExpiresAt.Unix(),
		UserAgent:            session.UserAgent,
		IPAddress:            session.IPAddress,
		CreatedAt:            session.CreatedAt.Unix(),
		ExpiresAt:            session.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// FindSessionByTokenHash treats items past expires_at as missing; TTL deletion can lag by hours.
func (r *DynamoDBRepository) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*StoredSession, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(tokenHash),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if r.now().Unix() > item.ExpiresAt {
		return nil, nil
	}

	id, err := uuid.Parse(item.ID)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}

	return &StoredSession{
		ID:                            id,
		TokenHash:                     item.TokenHash,
		UserID:                        item.UserID,
		Email:                         item.Email,
		FullName:                      item.FullName,
		AvatarURL:                     item.AvatarURL,
		AccessToken:                   item.AccessToken,
		ProviderToken:                 item.ProviderToken,
		EncryptedRefreshToken:         item.RefreshToken,
		EncryptedProviderRefreshToken: item.ProviderRefreshToken,
		TokenExpiresAt:                time.Unix(item.TokenExpiresAt, 0),
		UserAgent:                     item.UserAgent,
		IPAddress:                     item.IPAddress,
		CreatedAt:                     time.Unix(item.CreatedAt, 0),
		ExpiresAt:                     time.Unix(item.ExpiresAt, 0),
	}, nil
}

func (r *DynamoDBRepository) UpdateSessionTokens(ctx context.Context, session StoredSession) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(session.TokenHash),
		UpdateExpression: aws.String("SET access_token = :at, refresh_token = :rt, provider_token = :pt, " +
			"provider_refresh_token = :prt, token_expires_at = :exp, email = :email, full_name = :name, avatar_url = :avatar"),
		ConditionExpression: aws.String("attribute_exists(token_hash)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":     &types.AttributeValueMemberS{Value: session.AccessToken},
			":rt":     &types.AttributeValueMemberS{Value: session.EncryptedRefreshToken},
			":pt":     &types.AttributeValueMemberS{Value: session.ProviderToken},
			":prt":    &types.AttributeValueMemberS{Value: session.EncryptedProviderRefreshToken},
			":exp":    &types.AttributeValueMemberN{Value: strconv.FormatInt(session.TokenExpiresAt.Unix(), 10)},
			":email":  &types.AttributeValueMemberS{Value: session.Email},
			":name":   &types.AttributeValueMemberS{Value: session.FullName},
			":avatar": &types.AttributeValueMemberS{Value: session.AvatarURL},
		},
	})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (r *DynamoDBRepository) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(tokenHash),
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions is a no-op; the table's TTL on expires_at removes old items.
func (r *DynamoDBRepository) DeleteExpiredSessions(context.Context) (int64, error) {
	return 0, nil
}

func (r *DynamoDBRepository) key(tokenHash string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"token_hash": &types.AttributeValueMemberS{Value: tokenHash},
	}
}
