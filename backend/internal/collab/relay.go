package collab

import (
	"fmt"

	"collabSync/backend/internal/metrics"
)

// relayDelta 原样转发给房间里的其他连接，不做任何变换
func (c *Coordinator) relayDelta(cmd DeltaCommand) error {
	r, u, err := c.member(cmd.DocID, cmd.ConnID)
	if err != nil {
		return err
	}
	c.broadcast(r, cmd.ConnID, ContentChanged{DocID: cmd.DocID, UserID: u.ID, Delta: cmd.Delta})
	metrics.DeltasRelayed.Inc()
	return nil
}

func (c *Coordinator) relayCursor(cmd CursorCommand) error {
	r, u, err := c.member(cmd.DocID, cmd.ConnID)
	if err != nil {
		return err
	}
	if cmd.User.ID != "" && cmd.User.ID != u.ID {
		return fmt.Errorf("%w: cursor for %s on a connection bound to %s", ErrValidation, cmd.User.ID, u.ID)
	}
	var rng *Range
	if cmd.Range != nil {
		cp := *cmd.Range
		rng = &cp
	}
	c.broadcast(r, cmd.ConnID, CursorUpdated{DocID: cmd.DocID, User: u, Range: rng})
	c.presence.CursorMoved(cmd.DocID, u, rng)
	metrics.CursorsRelayed.Inc()
	return nil
}
