// Package notify delivers user-visible progress without blocking
// workflow progress and without exceeding transport limits. Long
// messages are chunked; consecutive chunks are paced by a delay.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/buildhive-ai/buildhive/pkg/config"
	"github.com/buildhive-ai/buildhive/pkg/models"
)

// Transport delivers one outbound message to a destination. The
// workflow does not know whether output goes to chat, a comment thread,
// or an event stream.
type Transport interface {
	Send(ctx context.Context, msg models.MessageOut) error
}

// Notifier fans messages out to its transports. From the workflow's
// point of view every call is fire-and-forget: failures are logged,
// never raised.
type Notifier struct {
	transports []Transport
	maxChars   int
	chunkDelay time.Duration
	sleep      func(time.Duration)
	logger     *slog.Logger
}

// NewNotifier creates a notifier over the given transports.
func NewNotifier(cfg *config.NotifyConfig, transports ...Transport) *Notifier {
	return &Notifier{
		transports: transports,
		maxChars:   cfg.MaxMessageChars,
		chunkDelay: cfg.ChunkDelay,
		sleep:      time.Sleep,
		logger:     slog.With("component", "notifier"),
	}
}

// Notify sends text to the user, chunked to the transport limit.
func (n *Notifier) Notify(ctx context.Context, userID, text string, kind models.MessageKind) {
	chunks := Split(text, n.maxChars)
	for i, chunk := range chunks {
		if i > 0 {
			n.sleep(n.chunkDelay)
		}
		msg := models.MessageOut{UserID: userID, Text: chunk, Kind: kind}
		for _, tr := range n.transports {
			if err := tr.Send(ctx, msg); err != nil {
				n.logger.Error("Notification send failed",
					"user_id", userID, "kind", kind, "chunk", i, "error", err)
			}
		}
	}
}

// Status sends a progress update.
func (n *Notifier) Status(ctx context.Context, userID, text string) {
	n.Notify(ctx, userID, text, models.MessageKindStatus)
}

// Result sends a final result.
func (n *Notifier) Result(ctx context.Context, userID, text string) {
	n.Notify(ctx, userID, text, models.MessageKindResult)
}

// Error sends a user-visible error.
func (n *Notifier) Error(ctx context.Context, userID, text string) {
	n.Notify(ctx, userID, text, models.MessageKindError)
}
