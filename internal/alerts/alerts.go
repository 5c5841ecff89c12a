// Package alerts emails operators when runs fail terminally. Alerts
// are disabled unless ALERT_EMAIL_TO and EMAIL_API_KEY are set.
package alerts

import (
	"fmt"
	"log"
	"os"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/runforge/runforge/internal/run"
)

type Alerter struct {
	apiKey      string
	to          string
	fromName    string
	fromAddress string
}

// NewFromEnv builds an alerter from the environment. A nil return means
// alerting is not configured; callers treat it as a no-op.
func NewFromEnv() *Alerter {
	apiKey := os.Getenv("EMAIL_API_KEY")
	to := os.Getenv("ALERT_EMAIL_TO")
	if apiKey == "" || to == "" {
		return nil
	}
	return &Alerter{
		apiKey:      apiKey,
		to:          to,
		fromName:    os.Getenv("FROM_NAME"),
		fromAddress: os.Getenv("FROM_ADDRESS"),
	}
}

// RunFailed reports a run that ended in CRASHED or SYSTEM_FAILURE.
func (a *Alerter) RunFailed(r *run.Run) {
	if a == nil {
		return
	}

	subject := fmt.Sprintf("Run %s failed with status %s", r.FriendlyID, r.Status)
	body := fmt.Sprintf("Task: %s\nEnvironment: %s\nAttempts: %d\n", r.TaskIdentifier, r.EnvironmentID, r.AttemptNumber)
	if r.Error != nil {
		body += fmt.Sprintf("Error: %s (%s)\n", r.Error.Message, r.Error.Code)
	}

	from := mail.NewEmail(a.fromName, a.fromAddress)
	toEmail := mail.NewEmail("", a.to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)
	client := sendgrid.NewSendClient(a.apiKey)
	response, err := client.Send(email)
	if err != nil {
		log.Printf("Failed to send failure alert for run %s: %v", r.ID, err)
		return
	}
	if response.StatusCode >= 400 {
		log.Printf("Failure alert for run %s rejected: status %d", r.ID, response.StatusCode)
		return
	}

	log.Printf("Failure alert sent for run %s (status: %d)", r.ID, response.StatusCode)
}
