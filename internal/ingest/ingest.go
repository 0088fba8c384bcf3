// Package ingest feeds join, answer, and message events into the engine
// channels from the enabled transports. Events arrive as JSON envelopes
// with a type discriminator; a full channel drops rather than blocks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"joinguard/internal/model"
)

// Envelope is the wire form shared by all transports.
type Envelope struct {
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	CommunityID int64          `json:"community_id"`
	Account     *model.Account `json:"account,omitempty"`
	UserID      int64          `json:"user_id,omitempty"`
	MessageRef  int64          `json:"message_ref,omitempty"`
	Text        string         `json:"text,omitempty"`
}

var (
	errUnknownType = errors.New("unknown event type")
	errBadEvent    = errors.New("event missing required fields")
)

// DecodeEvent parses one envelope into exactly one of the three event
// kinds. A missing timestamp gets the receive time.
func DecodeEvent(data []byte, source string) (*model.JoinEvent, *model.AnswerEvent, *model.MessageEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, nil, err
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	switch env.Type {
	case "join":
		if env.CommunityID == 0 || env.Account == nil || env.Account.ID == 0 {
			return nil, nil, nil, errBadEvent
		}
		return &model.JoinEvent{
			Timestamp:   env.Timestamp,
			CommunityID: env.CommunityID,
			Account:     *env.Account,
			Source:      source,
		}, nil, nil, nil
	case "answer":
		if env.CommunityID == 0 || env.UserID == 0 {
			return nil, nil, nil, errBadEvent
		}
		return nil, &model.AnswerEvent{
			Timestamp:   env.Timestamp,
			CommunityID: env.CommunityID,
			UserID:      env.UserID,
			Text:        env.Text,
			Source:      source,
		}, nil, nil
	case "message":
		if env.CommunityID == 0 || env.UserID == 0 || env.MessageRef == 0 {
			return nil, nil, nil, errBadEvent
		}
		return nil, nil, &model.MessageEvent{
			Timestamp:   env.Timestamp,
			CommunityID: env.CommunityID,
			UserID:      env.UserID,
			MessageRef:  env.MessageRef,
			Text:        env.Text,
			Source:      source,
		}, nil
	default:
		return nil, nil, nil, errUnknownType
	}
}

func SendJoinNonBlocking(ctx context.Context, out chan<- model.JoinEvent, ev model.JoinEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("join channel full, dropping event",
				"community_id", ev.CommunityID, "user_id", ev.Account.ID)
		}
		return false
	}
}

func SendAnswerNonBlocking(ctx context.Context, out chan<- model.AnswerEvent, ev model.AnswerEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("answer channel full, dropping event",
				"community_id", ev.CommunityID, "user_id", ev.UserID)
		}
		return false
	}
}

func SendMessageNonBlocking(ctx context.Context, out chan<- model.MessageEvent, ev model.MessageEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("message channel full, dropping event",
				"community_id", ev.CommunityID, "user_id", ev.UserID)
		}
		return false
	}
}
