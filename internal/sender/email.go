package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/corredorhq/decision-engine/internal/notify"
)

// EmailSender delivers messages as email through AWS SES.
type EmailSender struct {
	from    string
	subject string
	client  *sesv2.Client
}

// NewEmailSender creates an SES email sender. Returns an error when
// credentials are missing or the AWS config cannot be built.
func NewEmailSender(accessKey, secretKey, region, from, subject string) (*EmailSender, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ses credentials not configured")
	}
	if region == "" {
		region = "us-east-1"
	}
	if subject == "" {
		subject = "Notificación"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &EmailSender{
		from:    from,
		subject: subject,
		client:  sesv2.NewFromConfig(cfg),
	}, nil
}

// Send delivers the rendered payload as a plain-text email and returns the
// SES message id.
func (s *EmailSender) Send(ctx context.Context, req notify.SendRequest) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{req.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(s.subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(req.Payload), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	return messageID, nil
}
