// Package notify delivers account notifications (verification and password
// reset mails). A Notifier renders a Notification into a Message and hands it
// to a Sink; sinks deliver directly over SMTP, enqueue to a Redis-backed
// queue, or only log.
package notify

import (
	"context"
	"fmt"
)

// Kind identifies the message a notification renders to.
type Kind string

const (
	KindVerification  Kind = "verification"
	KindPasswordReset Kind = "password_reset"
)

// Notification is what the account core emits: a recipient, the message
// identity and the link embedding the token.
type Notification struct {
	Kind Kind
	To   string
	Link string
}

// Message is a rendered mail ready for delivery.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sink delivers rendered messages.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Notifier is the port the account core depends on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Mailer renders notifications with the embedded templates and sends them
// through a Sink.
type Mailer struct {
	sink      Sink
	templates *Templates
}

func NewMailer(sink Sink, templates *Templates) *Mailer {
	return &Mailer{sink: sink, templates: templates}
}

func (m *Mailer) Notify(ctx context.Context, n Notification) error {
	msg, err := m.templates.Render(n)
	if err != nil {
		return err
	}
	if err := m.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s mail: %w", n.Kind, err)
	}
	return nil
}
