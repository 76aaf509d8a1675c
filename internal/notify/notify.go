// Package notify carries outbound text to users and operators. The chat
// transport itself is an external collaborator.
package notify

import "context"

// Notifier delivers plain text to a user's chat endpoint.
type Notifier interface {
	Send(ctx context.Context, identityHandle, text string) error
}

// Operator receives alerts about duplicate events and integrity problems.
type Operator interface {
	Alert(ctx context.Context, subject, detail string)
}

// Funcs adapts plain functions to the interfaces, for tests and wiring.
type Funcs struct {
	SendFn  func(ctx context.Context, identityHandle, text string) error
	AlertFn func(ctx context.Context, subject, detail string)
}

// Send implements Notifier.
func (f Funcs) Send(ctx context.Context, identityHandle, text string) error {
	if f.SendFn == nil {
		return nil
	}
	return f.SendFn(ctx, identityHandle, text)
}

// Alert implements Operator.
func (f Funcs) Alert(ctx context.Context, subject, detail string) {
	if f.AlertFn != nil {
		f.AlertFn(ctx, subject, detail)
	}
}
