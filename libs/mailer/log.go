package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LogProvider is the development provider: it logs instead of sending.
type LogProvider struct {
	Logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{Logger: logger}
}

func (l *LogProvider) Name() string {
	return "log"
}

func (l *LogProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	id := "log-" + uuid.NewString()
	l.Logger.InfoContext(ctx, "email logged, not sent",
		"provider", "log",
		"from", msg.From,
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"text", msg.Text,
		"message_id", id,
	)
	return SendResult{ProviderMessageID: id}, nil
}

// MemoryProvider keeps every message in memory. Tests read them back with
// Messages.
type MemoryProvider struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

func (p *MemoryProvider) Name() string {
	return "memory"
}

func (p *MemoryProvider) Send(_ context.Context, msg Message) (SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return SendResult{}, p.Err
	}
	p.messages = append(p.messages, msg)
	return SendResult{ProviderMessageID: fmt.Sprintf("memory-%d", len(p.messages))}, nil
}

func (p *MemoryProvider) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
