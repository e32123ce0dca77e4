package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ifcscheduler/config"
	"ifcscheduler/logging"
	"ifcscheduler/models"
)

const sendGridURL = "https://api.sendgrid.com/v3/mail/send"

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// EmailNotifier sends conversion completion mail through SendGrid.
type EmailNotifier struct {
	apiKey     string
	from       string
	to         []string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewEmailNotifier(cfg *config.Config, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		url: sendGridURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.OrDefault(logger),
	}
	if cfg.EmailEnabled() {
		n.apiKey = cfg.SendGridAPIKey
		n.from = cfg.FromEmail
		n.to = cfg.ToEmails
	}
	return n
}

// JobCompleted mails each recipient separately. Without configuration it
// does nothing.
func (n *EmailNotifier) JobCompleted(ctx context.Context, job *models.ConversionJob) error {
	if n.apiKey == "" {
		return nil
	}

	for _, to := range n.to {
		if err := n.send(ctx, to, job); err != nil {
			return err
		}
		n.logger.Info("email.sent", "job_id", job.ID, "to", to)
	}
	return nil
}

func (n *EmailNotifier) send(ctx context.Context, to string, job *models.ConversionJob) error {
	msg := sendGridRequest{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: to}}}},
		From:             sendGridAddress{Email: n.from},
		Subject:          "Revit to IFC Conversion Completed",
		Content: []sendGridContent{
			{Type: "text/plain", Value: fmt.Sprintf("Revit File Converted to IFC: %s", job.FileName)},
			{Type: "text/html", Value: fmt.Sprintf("<h1>Revit File Converted to IFC:</h1> <p>%s</p><a href='%s'>Open Project Folder in ACC/BIM360</a>",
				html.EscapeString(job.FileName), html.EscapeString(job.FolderURL))},
		},
	}

	reqBody, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("sendgrid API error (status %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
