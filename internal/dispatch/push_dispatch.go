package dispatch

import (
	"context"
	"errors"
)

// PushDispatcher prefers a live websocket session and falls back to the push
// gateway when the user is not connected.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Notifier
}

func NewPushDispatcher(ws *WSRegistry, fallback Notifier) *PushDispatcher {
	return &PushDispatcher{WS: ws, Fallback: fallback}
}

func (p *PushDispatcher) Notify(ctx context.Context, userID int64, msg Message) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, userID, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) && p.Fallback == nil {
			return err
		}
	}
	if p.Fallback == nil {
		return nil
	}
	return p.Fallback.Notify(ctx, userID, msg)
}
