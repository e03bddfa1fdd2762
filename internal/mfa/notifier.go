package mfa

import (
	"context"
	"log/slog"
)

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c *Challenge) error

func (f NotifierFunc) Deliver(ctx context.Context, c *Challenge) error {
	return f(ctx, c)
}

// LogNotifier writes codes to a logger. Development only: it is the single
// place a code is ever logged.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Deliver(ctx context.Context, c *Challenge) error {
	n.Logger.InfoContext(ctx, "verification code",
		"user_id", c.UserID,
		"challenge_id", c.ID,
		"code", c.Code,
		"expires_at", c.ExpiresAt,
	)
	return nil
}
