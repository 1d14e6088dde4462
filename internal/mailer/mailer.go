// Package mailer dispatches malicious-package reports to the observation
// inbox through an HTTP mail relay.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ReportEmail is the rendered report handed to the relay.
type ReportEmail struct {
	Name                  string   `json:"name"`
	Version               string   `json:"version"`
	InspectorURL          string   `json:"inspector_url"`
	AdditionalInformation string   `json:"additional_information"`
	Rules                 []string `json:"rules_matched"`
	Recipient             string   `json:"recipient"`
}

// Mailer sends report emails.
type Mailer interface {
	SendReport(ctx context.Context, email ReportEmail) error
}

// RelayMailer posts report emails to an HTTP relay endpoint.
type RelayMailer struct {
	endpoint  string
	token     string
	recipient string
	client    *http.Client
}

func NewRelayMailer(endpoint, token, recipient string, timeout time.Duration) *RelayMailer {
	return &RelayMailer{
		endpoint:  endpoint,
		token:     token,
		recipient: recipient,
		client:    &http.Client{Timeout: timeout},
	}
}

func (m *RelayMailer) SendReport(ctx context.Context, email ReportEmail) error {
	email.Recipient = m.recipient

	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("encoding report email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting report email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail relay returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// LogMailer logs reports instead of sending them. Used when no relay endpoint
// is configured, typically in development.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendReport(_ context.Context, email ReportEmail) error {
	m.logger.Info("report email suppressed, no mail relay configured",
		"package_name", email.Name,
		"package_version", email.Version,
		"inspector_url", email.InspectorURL,
	)
	return nil
}
