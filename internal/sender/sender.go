// Package sender provides the outbound transport adapters behind the
// notification queue: a WhatsApp HTTP gateway client, an AWS SES email
// client, and a log-only sender for development.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/corredorhq/decision-engine/internal/notify"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
)

// LogSender writes every message to the structured log instead of
// delivering it. Used in development and as the fallback when no provider
// is configured.
type LogSender struct{}

// NewLogSender creates a log-only sender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// Send logs the message and reports success.
func (s *LogSender) Send(_ context.Context, req notify.SendRequest) (string, error) {
	to := req.To
	if req.Channel == notify.ChannelWhatsApp {
		to = logger.RedactPhone(to)
	}
	logger.Info("message delivered to log sink",
		"channel", string(req.Channel),
		"to", to,
		"payload_len", len(req.Payload))
	return fmt.Sprintf("log:%d", time.Now().UnixNano()), nil
}
