package broadcast

import (
	"context"
	"fmt"

	"github.com/pprasoon1/safe-chat/internal/logging"
)

// Local delivers events within this process only.
type Local struct {
	deliverer
}

// NewLocal returns a single-instance broadcaster.
func NewLocal() *Local {
	return &Local{deliverer{index: NewIndex(), log: logging.Component("broadcast")}}
}

func (l *Local) Register(sessionID string) { l.index.Register(sessionID) }

func (l *Local) Unregister(_ context.Context, sessionID string) error {
	l.index.Unregister(sessionID)
	return nil
}

func (l *Local) Join(_ context.Context, sessionID, room string) error {
	if !l.index.Join(sessionID, room) {
		return fmt.Errorf("broadcast: session %s is not registered", sessionID)
	}
	return nil
}

func (l *Local) Leave(_ context.Context, sessionID, room string) error {
	l.index.Leave(sessionID, room)
	return nil
}

func (l *Local) Rooms(sessionID string) []string { return l.index.Rooms(sessionID) }

func (l *Local) ToRoom(_ context.Context, room string, data []byte, opts ...Option) error {
	l.deliverRoom(room, data, applyOptions(opts))
	return nil
}

func (l *Local) ToAll(_ context.Context, data []byte) error {
	l.deliverAll(data)
	return nil
}
