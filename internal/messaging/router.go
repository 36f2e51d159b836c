package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/DeviceIntake/internal/models"
	"github.com/BTreeMap/DeviceIntake/internal/store"
)

// FallbackReply is sent when the engine fails to produce a reply.
const FallbackReply = "Sorry, something went wrong on our side. Please send your message again."

// MessageHandler turns one inbound message into a reply.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sessionID, text string) (string, error)
}

// Router feeds inbound channel messages to a MessageHandler and sends the replies back.
type Router struct {
	handler MessageHandler
	dedup   store.DedupRepo
	wg      sync.WaitGroup
}

// NewRouter creates a Router. dedup may be nil, in which case every message is processed.
func NewRouter(handler MessageHandler, dedup store.DedupRepo) *Router {
	return &Router{handler: handler, dedup: dedup}
}

// SessionID is the conversation key for a sender on a channel.
func SessionID(channel, canonicalFrom string) string {
	return channel + ":" + canonicalFrom
}

// Attach starts consuming svc.Responses() until the channel closes or ctx is done.
// Messages from one service are processed in arrival order.
func (r *Router) Attach(ctx context.Context, svc Service) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Info("Router attached", "channel", svc.Name())
		defer slog.Info("Router detached", "channel", svc.Name())
		for {
			select {
			case response, ok := <-svc.Responses():
				if !ok {
					return
				}
				r.Process(ctx, svc, response)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until every attached service loop has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Process handles a single inbound message. It reports whether a reply was sent.
func (r *Router) Process(ctx context.Context, svc Service, response models.Response) bool {
	from, err := svc.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("Router dropping message with invalid sender", "channel", svc.Name(), "from", response.From, "error", err)
		return false
	}
	sessionID := SessionID(svc.Name(), from)

	if r.dedup != nil && response.MessageID != "" {
		fresh, err := r.dedup.RecordInbound(response.MessageID, sessionID)
		if err != nil {
			// Dedup is best effort; the message is still handled.
			slog.Error("Router dedup record failed", "error", err, "message_id", response.MessageID)
		} else if !fresh {
			slog.Info("Router skipping duplicate message", "message_id", response.MessageID, "session_id", sessionID)
			return false
		}
	}

	reply, err := r.handler.HandleMessage(ctx, sessionID, response.Body)
	if err != nil {
		slog.Error("Router HandleMessage failed", "error", err, "session_id", sessionID)
		reply = FallbackReply
	}

	if err := svc.SendMessage(ctx, from, reply); err != nil {
		slog.Error("Router failed to send reply", "error", err, "session_id", sessionID)
		return false
	}

	if r.dedup != nil && response.MessageID != "" {
		if err := r.dedup.MarkProcessed(response.MessageID); err != nil {
			slog.Warn("Router MarkProcessed failed", "error", err, "message_id", response.MessageID)
		}
	}
	slog.Debug("Router reply sent", "session_id", sessionID, "reply_length", len(reply))
	return true
}
