package channel

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"kinpool/internal/models"
)

// PushSender posts notification payloads to an external push gateway
type PushSender struct {
	client     *resty.Client
	gatewayURL string
	apiKey     string
	logger     *zap.Logger
}

// NewPushSender creates a push sender targeting gatewayURL. An empty
// URL yields a disabled sender whose sends always fail.
func NewPushSender(gatewayURL, apiKey string, logger *zap.Logger) *PushSender {
	return &PushSender{
		client:     resty.New(),
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

func (s *PushSender) Channel() string {
	return models.ChannelPush
}

// Send posts one push notification to the gateway
func (s *PushSender) Send(ctx context.Context, msg Message) error {
	if s.gatewayURL == "" {
		return fmt.Errorf("push sender is disabled")
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+s.apiKey).
		SetBody(map[string]string{
			"endpoint": msg.Recipient,
			"title":    msg.Subject,
			"body":     msg.Body,
			"category": msg.Category,
		}).
		Post(s.gatewayURL)
	if err != nil {
		return fmt.Errorf("failed to post push notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode())
	}

	s.logger.Debug("push notification sent", zap.String("endpoint", msg.Recipient))
	return nil
}
