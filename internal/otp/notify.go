package otp

import (
	"context"

	"vypar.app/internal/obs"
)

// Notifier delivers an issued code to the phone's owner. Implementations are
// owned by messaging infrastructure (SMS provider, push gateway).
type Notifier interface {
	Send(ctx context.Context, phone, code string) error
}

// LogNotifier writes codes to the service log instead of sending SMS.
// Local development only: the plaintext code ends up in the log.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, phone, code string) error {
	obs.Log("info", "otp_code_issued", map[string]any{
		"phone": phone,
		"code":  code,
		"sink":  "log",
	})
	return nil
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, phone, code string) error

func (f NotifierFunc) Send(ctx context.Context, phone, code string) error {
	return f(ctx, phone, code)
}
