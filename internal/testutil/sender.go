package testutil

import (
	"context"
	"regexp"
	"sync"
)

type Mail struct {
	To      string
	Subject string
	Body    string
}

// RecordingSender keeps every message instead of delivering it. Setting Err
// makes sends fail after recording.
type RecordingSender struct {
	mu   sync.Mutex
	sent []Mail
	Err  error
}

func (s *RecordingSender) Send(ctx context.Context, to, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Mail{To: to, Subject: subject, Body: body})
	return s.Err
}

func (s *RecordingSender) Sent() []Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mail, len(s.sent))
	copy(out, s.sent)
	return out
}

// Last returns the newest message sent to addr.
func (s *RecordingSender) Last(addr string) (Mail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].To == addr {
			return s.sent[i], true
		}
	}
	return Mail{}, false
}

var (
	codePattern  = regexp.MustCompile(`\b[0-9A-Z]{6}\b`)
	tokenPattern = regexp.MustCompile(`token=([0-9a-f]{64})`)
)

// CodeFrom extracts the verification code from a message body.
func CodeFrom(m Mail) string {
	return codePattern.FindString(m.Body)
}

// TokenFrom extracts the revoke token from a notice body.
func TokenFrom(m Mail) string {
	match := tokenPattern.FindStringSubmatch(m.Body)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}
