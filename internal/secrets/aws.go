package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// AWSStore resolves references from AWS Secrets Manager. The reference
// identifier is the secret name or ARN; the optional version maps to a
// version stage.
type AWSStore struct {
	client *secretsmanager.Client
}

func NewAWSStore(ctx context.Context, region string) (*AWSStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSStore{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func NewAWSStoreWithConfig(cfg aws.Config) *AWSStore {
	return &AWSStore{client: secretsmanager.NewFromConfig(cfg)}
}

func (s *AWSStore) GetSecret(ctx context.Context, ref domain.SecretRef) (string, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref.Identifier),
	}
	if ref.Version != "" {
		input.VersionStage = aws.String(ref.Version)
	}

	result, err := s.client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", ref.Identifier, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", ref.Identifier)
	}
	return *result.SecretString, nil
}

func (s *AWSStore) HealthCheck(ctx context.Context) bool {
	// ListSecrets with a page size of 1 is the cheapest authenticated call.
	_, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
		MaxResults: aws.Int32(1),
	})
	return err == nil
}
