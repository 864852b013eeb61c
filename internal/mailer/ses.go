package mailer

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESTransport delivers prebuilt raw messages through the AWS SES v2 API.
// Used for sending accounts with provider "ses"; the envelope and retry
// semantics are identical to the SMTP transport.
type SESTransport struct {
	client sesAPI
}

// sesAPI is the slice of the SES client the transport uses, extracted so
// tests can substitute a fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// NewSESTransport creates an SES transport with static credentials.
func NewSESTransport(accessKey, secretKey, region string) (*SESTransport, error) {
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("ses transport: missing credentials")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses transport: aws config: %w", err)
	}

	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

// Send submits the raw payload to SES for one recipient.
func (t *SESTransport) Send(ctx context.Context, env Envelope, raw []byte) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: &env.From,
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send to %s: %w", env.To, err)
	}
	return nil
}
