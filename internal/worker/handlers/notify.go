package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/okatz/hopper/internal/task"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultDigestSubject = "Content review digest"

// ReviewNotifyHandler mails a digest of items waiting for human review.
// Sender identity and credentials come from FROM_NAME, FROM_ADDRESS and
// EMAIL_API_KEY.
func ReviewNotifyHandler(ctx context.Context, t *task.Task) (*task.Result, error) {
	to, ok := t.Param("to")
	if !ok {
		return nil, errors.New("missing 'to' field")
	}

	subject, ok := t.Param("subject")
	if !ok {
		subject = defaultDigestSubject
	}

	items, _ := t.Parameters["items"].([]any)
	body, err := digestBody(t, items)
	if err != nil {
		return nil, err
	}

	from := mail.NewEmail(os.Getenv("FROM_NAME"), os.Getenv("FROM_ADDRESS"))
	toEmail := mail.NewEmail("", to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)

	client := sendgrid.NewSendClient(os.Getenv("EMAIL_API_KEY"))
	response, err := client.SendWithContext(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to send digest: %w", err)
	}
	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("Review digest sent to %s (%d items, status: %d)", to, len(items), response.StatusCode)

	return &task.Result{
		Success:        true,
		Data:           map[string]any{"to": to, "status": response.StatusCode},
		ItemsProcessed: len(items),
	}, nil
}

// digestBody prefers an explicit body and otherwise folds the pending items
// into one line each.
func digestBody(t *task.Task, items []any) (string, error) {
	if body, ok := t.Param("body"); ok {
		return body, nil
	}

	if len(items) == 0 {
		return "", errors.New("missing 'body' or 'items' field")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d items awaiting review:\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "- %v\n", item)
	}

	return b.String(), nil
}
