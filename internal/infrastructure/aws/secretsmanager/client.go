package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/connector-orchestrator/internal/domain"
	"github.com/connector-orchestrator/pkg/logger"
)

type ManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

var _ domain.SecretsManager = (*Client)(nil)

type Client struct {
	client         ManagerAPI
	recoveryWindow int64
}

type RetryConfig struct {
	MaxAttempts int
	MaxBackoff  time.Duration
}

// NewClient builds a Secrets Manager backed store. Zero retry values fall
// back to 3 attempts and a 30s backoff ceiling.
func NewClient(cfg aws.Config, rc RetryConfig) *Client {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 3
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = 30 * time.Second
	}

	api := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		o.Retryer = retry.NewStandard(func(so *retry.StandardOptions) {
			so.MaxAttempts = rc.MaxAttempts
			so.MaxBackoff = rc.MaxBackoff
		})
	})
	return NewClientWithAPI(api)
}

func NewClientWithAPI(api ManagerAPI) *Client {
	return &Client{client: api, recoveryWindow: 30}
}

func (c *Client) StoreToken(ctx context.Context, secretName, token string) error {
	logger.Info().Str("secret_name", secretName).Msg("Attempting to create secret")
	_, err := c.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretName),
		SecretString: aws.String(token),
	})
	if err == nil {
		return nil
	}
	if !isResourceExistsError(err) {
		logger.Error().Err(err).Str("secret_name", secretName).Msg("Failed to create secret")
		return fmt.Errorf("create secret: %w", err)
	}

	logger.Warn().Str("secret_name", secretName).Msg("Secret already exists; updating instead")
	_, err = c.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretName),
		SecretString: aws.String(token),
	})
	if err != nil {
		logger.Error().Err(err).Str("secret_name", secretName).Msg("Failed to update secret")
		return fmt.Errorf("update secret: %w", err)
	}
	return nil
}

func (c *Client) GetToken(ctx context.Context, secretName string) (string, error) {
	logger.Debug().Str("secret_name", secretName).Msg("Retrieving secret value")
	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		if isResourceNotFoundError(err) {
			return "", fmt.Errorf("secret %s: %w", secretName, domain.ErrNotFound)
		}
		return "", fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}
	return *out.SecretString, nil
}

func (c *Client) DeleteToken(ctx context.Context, secretName string) error {
	logger.Info().Str("secret_name", secretName).Msg("Deleting secret")
	_, err := c.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:             aws.String(secretName),
		RecoveryWindowInDays: aws.Int64(c.recoveryWindow),
	})
	if err != nil {
		if isResourceNotFoundError(err) {
			return fmt.Errorf("secret %s: %w", secretName, domain.ErrNotFound)
		}
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func isResourceExistsError(err error) bool {
	var resourceExistsErr *types.ResourceExistsException
	return errors.As(err, &resourceExistsErr)
}

func isResourceNotFoundError(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}
