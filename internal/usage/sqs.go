package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// SQSSink forwards usage records to an SQS queue for downstream analytics
// consumers. Each record is one message.
type SQSSink struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSSink(ctx context.Context, region, queueURL string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSSink{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func NewSQSSinkWithConfig(cfg aws.Config, queueURL string) *SQSSink {
	return &SQSSink{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

func (s *SQSSink) WriteBatch(ctx context.Context, records []domain.UsageRecord) error {
	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal usage record: %w", err)
		}

		input := &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"UserID": {
					DataType:    aws.String("String"),
					StringValue: aws.String(rec.UserID),
				},
				"RequestID": {
					DataType:    aws.String("String"),
					StringValue: aws.String(rec.RequestID),
				},
			},
		}

		if _, err := s.client.SendMessage(ctx, input); err != nil {
			return fmt.Errorf("send usage record: %w", err)
		}
	}
	return nil
}
