// Package mailer sends transactional email (report status updates) through a
// pluggable provider.
package mailer

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNoRecipients = errors.New("mailer: message has no recipients")
	ErrNoSubject    = errors.New("mailer: message has no subject")
	ErrNoBody       = errors.New("mailer: message has neither HTML nor text body")
)

type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// Validate trims recipients and rejects messages no provider could deliver.
func (m *Message) Validate() error {
	recipients := make([]string, 0, len(m.To))
	for _, to := range m.To {
		if trimmed := strings.TrimSpace(to); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	m.To = recipients
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(m.Subject) == "" {
		return ErrNoSubject
	}
	if m.HTML == "" && m.Text == "" {
		return ErrNoBody
	}
	return nil
}

type SendResult struct {
	ProviderMessageID string
}

// Provider sends emails via a specific backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}

type Mailer struct {
	provider    Provider
	fromAddress string
}

func New(provider Provider, fromAddress string) *Mailer {
	return &Mailer{
		provider:    provider,
		fromAddress: fromAddress,
	}
}

// Send fills in the default sender, validates and hands the message to the
// provider.
func (m *Mailer) Send(ctx context.Context, msg Message) (SendResult, error) {
	if msg.From == "" {
		msg.From = m.fromAddress
	}
	if err := msg.Validate(); err != nil {
		return SendResult{}, err
	}
	return m.provider.Send(ctx, msg)
}

func (m *Mailer) ProviderName() string {
	return m.provider.Name()
}
