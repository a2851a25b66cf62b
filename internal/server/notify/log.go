package notify

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/logging"
)

// LogSink records messages instead of delivering them. Bodies carry tokens,
// so only the recipient and subject are logged.
type LogSink struct {
	log logging.Logger
}

func NewLogSink(log logging.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	s.log.Info(ctx, "mail suppressed", "to", msg.To, "subject", msg.Subject)
	return nil
}
