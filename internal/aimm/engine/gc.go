package engine

import (
	"time"

	"github.com/robfig/cron/v3"
)

// StartActionGC schedules a periodic sweep that reclaims terminal action
// entries older than grace, without changing the external contract: an
// action_id stays resolvable via Action/CloseAction until it falls out of
// the grace window, after which it simply stops existing, same as if it
// were never looked up.
func (e *Engine) StartActionGC(schedule string, grace time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		e.sweepTerminalActions(grace)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (e *Engine) sweepTerminalActions(grace time.Duration) {
	var reclaim []uint64
	for _, id := range e.ActionIDs() {
		h, ok := e.Action(id)
		if !ok {
			continue
		}
		if h.ResolvedFor(grace) {
			reclaim = append(reclaim, id)
		}
	}
	if len(reclaim) > 0 {
		e.GCTerminalActions(reclaim)
	}
}
