package channel

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"kinpool/internal/models"
)

// EmailSender delivers notifications via Amazon SES
type EmailSender struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
	enabled   bool
	logger    *zap.Logger
}

// NewEmailSender creates an SES-backed email sender. When fromEmail is
// empty the sender is disabled and every send fails, which pushes the
// dispatcher to the next channel in the chain.
func NewEmailSender(ctx context.Context, awsRegion, fromEmail, fromName string, logger *zap.Logger) (*EmailSender, error) {
	if fromEmail == "" {
		logger.Warn("email sender disabled: SES_FROM_EMAIL not configured")
		return &EmailSender{enabled: false, logger: logger}, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(awsRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("email sender enabled",
		zap.String("from", fromEmail),
		zap.String("region", awsRegion),
	)

	return &EmailSender{
		client:    sesv2.NewFromConfig(cfg),
		fromEmail: fromEmail,
		fromName:  fromName,
		enabled:   true,
		logger:    logger,
	}, nil
}

func (s *EmailSender) Channel() string {
	return models.ChannelEmail
}

// Send delivers one email through SES
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if !s.enabled {
		return fmt.Errorf("email sender is disabled")
	}

	fromAddress := s.fromEmail
	if s.fromName != "" {
		fromAddress = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(msg.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.Recipient, err)
	}

	s.logger.Debug("email sent",
		zap.String("to", msg.Recipient),
		zap.String("subject", msg.Subject),
	)
	return nil
}
