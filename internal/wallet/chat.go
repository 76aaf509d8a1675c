package wallet

import (
	"context"
	"log/slog"
)

// ChatSender delivers text to a paired chat endpoint. *Client satisfies it
// through the node's chat relay.
type ChatSender interface {
	SendChat(ctx context.Context, identityHandle, text string) error
}

// ChatNotifier adapts a ChatSender to the notify.Notifier shape.
type ChatNotifier struct {
	sender ChatSender
}

// NewChatNotifier wraps a chat sender.
func NewChatNotifier(sender ChatSender) *ChatNotifier {
	return &ChatNotifier{sender: sender}
}

// Send delivers text to the user's chat endpoint.
func (n *ChatNotifier) Send(ctx context.Context, identityHandle, text string) error {
	return n.sender.SendChat(ctx, identityHandle, text)
}

// OperatorNotifier forwards alerts to the operator's chat endpoint and the
// service log. Alerts are best-effort: a failed delivery is logged, never
// propagated.
type OperatorNotifier struct {
	sender ChatSender
	handle string
	logger *slog.Logger
}

// NewOperatorNotifier wraps a chat sender targeting the operator handle. An
// empty handle degrades to log-only alerts.
func NewOperatorNotifier(sender ChatSender, handle string, logger *slog.Logger) *OperatorNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorNotifier{sender: sender, handle: handle, logger: logger}
}

// Alert reports an integrity problem to the operator.
func (n *OperatorNotifier) Alert(ctx context.Context, subject, detail string) {
	n.logger.Warn("operator alert", "subject", subject, "detail", detail)
	if n.handle == "" || n.sender == nil {
		return
	}
	if err := n.sender.SendChat(ctx, n.handle, subject+": "+detail); err != nil {
		n.logger.Error("operator alert delivery failed", "subject", subject, "error", err)
	}
}
