package notifier

import (
	"context"
	"fmt"

	"scadabridge/internal/config"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const defaultAWSRegion = "us-east-1"

// SESAPI is the part of the SES v2 client the transport uses
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends through AWS SES v2
type SESTransport struct {
	client SESAPI
	region string
}

// NewSESTransport loads the default AWS credential chain. When that fails
// the transport reports itself as not configured.
func NewSESTransport(ctx context.Context, cfg config.MailConfig) (*SESTransport, error) {
	region := cfg.AWSRegion
	if region == "" {
		region = defaultAWSRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return &SESTransport{region: region}, fmt.Errorf("load aws config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg), region: region}, nil
}

// Name returns the transport name
func (t *SESTransport) Name() string { return "ses" }

// Configured reports whether an SES client exists
func (t *SESTransport) Configured() bool { return t.client != nil }

// Send delivers msg as a simple SES message
func (t *SESTransport) Send(ctx context.Context, msg Message) error {
	if t.client == nil {
		return fmt.Errorf("ses client not initialized")
	}
	in := &sesv2.SendEmailInput{
		FromEmailAddress: &msg.From,
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: &msg.Subject},
				Body:    &types.Body{Text: &types.Content{Data: &msg.Body}},
			},
		},
	}
	if msg.ReplyTo != "" {
		in.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if _, err := t.client.SendEmail(ctx, in); err != nil {
		return fmt.Errorf("ses send failed (region %s): %w", t.region, err)
	}
	return nil
}
