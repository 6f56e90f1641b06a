package controller

import "time"

// taskProgress is the controller's bookkeeping for one in-flight migration:
// when it last moved forward and how quiet the old owner has been.
type taskProgress struct {
	lastProgress time.Time
	lastCopied   int64

	// quietSince marks the last time the old owner reported new bounces
	// (or the moment the task entered Proxying). Completion requires the
	// bounce counter to sit still for the configured quiet window.
	lastBounces uint64
	quietSince  time.Time

	stalledLogged bool
}

func newTaskProgress(now time.Time) *taskProgress {
	return &taskProgress{lastProgress: now, quietSince: now}
}

func (p *taskProgress) advanced(now time.Time) {
	p.lastProgress = now
	p.stalledLogged = false
}

func (p *taskProgress) observeCopied(now time.Time, copied int64) {
	if copied > p.lastCopied {
		p.lastCopied = copied
		p.advanced(now)
	}
}

func (p *taskProgress) observeBounces(now time.Time, bounces uint64) {
	if bounces != p.lastBounces {
		p.lastBounces = bounces
		p.quietSince = now
		p.advanced(now)
	}
}

func (p *taskProgress) quietFor(now time.Time) time.Duration {
	return now.Sub(p.quietSince)
}

func (p *taskProgress) stalled(now time.Time, after time.Duration) bool {
	return now.Sub(p.lastProgress) > after
}
