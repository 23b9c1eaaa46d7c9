package service

import "context"

// EmailSender delivers mail. A failed send never rolls back state that was
// already committed.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}
