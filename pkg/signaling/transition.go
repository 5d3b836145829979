package signaling

import (
	"fmt"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
)

type event int

const (
	answered event = iota
	hungUp
)

func (e event) String() string {
	if e == answered {
		return "answer"
	}
	return "end"
}

// transition is the only place call statuses change:
//
//	pending --answer--> ongoing   started_at = at
//	pending --end-----> missed    ended_at = at, no duration
//	ongoing --end-----> ended     ended_at = at, duration in whole seconds
func transition(c model.Call, ev event, at time.Time) (model.Call, error) {
	switch {
	case ev == answered && c.Status == model.CallPending:
		c.Status = model.CallOngoing
		c.StartedAt = &at
	case ev == hungUp && c.Status == model.CallPending:
		c.Status = model.CallMissed
		c.EndedAt = &at
		c.DurationSeconds = nil
	case ev == hungUp && c.Status == model.CallOngoing:
		c.Status = model.CallEnded
		c.EndedAt = &at
		var secs int64
		if c.StartedAt != nil {
			secs = max(int64(at.Sub(*c.StartedAt)/time.Second), 0)
		}
		c.DurationSeconds = &secs
	default:
		return c, fmt.Errorf("%s on %s call %d: %w", ev, c.Status, c.ID, model.ErrIllegalTransition)
	}
	return c, nil
}
