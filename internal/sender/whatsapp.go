package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corredorhq/decision-engine/internal/notify"
	"github.com/corredorhq/decision-engine/internal/pkg/httpretry"
)

// WhatsAppSender delivers messages through an HTTP WhatsApp gateway
// (Cloud API compatible: POST {base_url}/messages with a bearer token).
type WhatsAppSender struct {
	baseURL    string
	token      string
	httpClient httpretry.HTTPDoer
}

// NewWhatsAppSender creates a WhatsApp gateway client.
func NewWhatsAppSender(baseURL, token string, timeout time.Duration) *WhatsAppSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppSender{
		baseURL: baseURL,
		token:   token,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: timeout,
		}, 3),
	}
}

type whatsAppMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppTextBody struct {
	Body string `json:"body"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text message to the gateway and returns the provider
// message id.
func (s *WhatsAppSender) Send(ctx context.Context, req notify.SendRequest) (string, error) {
	payload := whatsAppMessage{
		MessagingProduct: "whatsapp",
		To:               req.To,
		Type:             "text",
		Text:             whatsAppTextBody{Body: req.Payload},
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed whatsAppResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("gateway returned no message id")
	}
	return parsed.Messages[0].ID, nil
}
