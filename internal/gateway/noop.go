package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"joinguard/internal/model"
)

// Noop is the stand-in gateway used when no messaging platform is
// attached: it logs every call and reports success, so the engine can
// run end to end against event feeds alone.
type Noop struct {
	log     *slog.Logger
	nextRef atomic.Int64
}

func NewNoop(log *slog.Logger) *Noop {
	if log == nil {
		log = slog.Default()
	}
	return &Noop{log: log}
}

func (n *Noop) RemoveMember(ctx context.Context, communityID, userID int64) error {
	n.log.Info("gateway: remove member", "community_id", communityID, "user_id", userID)
	return nil
}

func (n *Noop) SendMessage(ctx context.Context, communityID int64, text string) (int64, error) {
	ref := n.nextRef.Add(1)
	n.log.Info("gateway: send message", "community_id", communityID, "message_ref", ref, "text", text)
	return ref, nil
}

func (n *Noop) DeleteMessage(ctx context.Context, communityID, messageRef int64) error {
	n.log.Debug("gateway: delete message", "community_id", communityID, "message_ref", messageRef)
	return nil
}

func (n *Noop) ProfilePhotoCount(ctx context.Context, userID int64) (int, error) {
	return 0, nil
}

func (n *Noop) GetMember(ctx context.Context, communityID, userID int64) (model.Account, error) {
	return model.Account{ID: userID}, nil
}
