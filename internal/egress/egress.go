// Package egress defines the two small capability interfaces spec.md §9
// specifies in place of the source's process-wide sendMessageCallback/
// sendFileCallback globals, plus notification formatting and concrete
// adapters (dashboard no-op, Telegram).
package egress

import "context"

// Sender delivers a scheduled job's result notification to a target.
// The reserved sentinel target "dashboard" (or empty) means "do not
// deliver" — callers are expected to check that before invoking Sender,
// but implementations must also treat it as a no-op defensively.
type Sender interface {
	SendMessage(ctx context.Context, target, text string) error
}

// FileSender delivers a file to a target, for adapters that support it.
type FileSender interface {
	SendFile(ctx context.Context, target, path, caption string) error
}

// dashboardOnly is the no-op Sender used for tests and for the
// "dashboard" sentinel target.
type dashboardOnly struct{}

// Dashboard returns the no-op Sender: every call is a silent success,
// since "dashboard" means the Dashboard UI is the only surface, not a
// push channel.
func Dashboard() Sender { return dashboardOnly{} }

func (dashboardOnly) SendMessage(ctx context.Context, target, text string) error { return nil }
func (dashboardOnly) SendFile(ctx context.Context, target, path, caption string) error {
	return nil
}
