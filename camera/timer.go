package camera

import (
	"context"
	"time"
)

type timerTask struct {
	id        uint64
	remaining int
	stop      chan struct{}
}

// StartTimer replaces any pending countdown with a new one. Every tick is
// reported as EventTimerTick; when the countdown reaches zero a single photo
// capture is issued.
func (c *Controller) StartTimer(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return ErrInvalidTimer
	}
	return c.do(ctx, func() error {
		c.startTimer(seconds)
		return nil
	})
}

func (c *Controller) CancelTimer(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.cancelTimer()
		return nil
	})
}

func (c *Controller) startTimer(seconds int) {
	c.cancelTimer()

	c.timerSeq++
	t := &timerTask{
		id:        c.timerSeq,
		remaining: seconds,
		stop:      make(chan struct{}),
	}
	c.timer = t

	c.log.Debug("timer started", "seconds", seconds)
	c.hw.Add(1)
	go c.runTimer(t.id, seconds, t.stop)
}

func (c *Controller) runTimer(id uint64, ticks int, stop <-chan struct{}) {
	defer c.hw.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for i := 0; i < ticks; i++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !c.post(func() { c.timerTick(id) }) {
			return
		}
	}
}

func (c *Controller) timerTick(id uint64) {
	t := c.timer
	// ticks of a replaced or cancelled timer may still be queued
	if t == nil || t.id != id {
		return
	}

	t.remaining--
	c.emit(Event{Kind: EventTimerTick, Remaining: t.remaining})
	if t.remaining > 0 {
		return
	}

	c.timer = nil
	c.log.Debug("timer expired, capturing")
	if err := c.capture(); err != nil {
		c.log.Warn("timer capture rejected", "err", err)
		c.emit(Event{Kind: EventCaptureFailed, Err: err})
	}
}

func (c *Controller) cancelTimer() {
	if c.timer == nil {
		return
	}
	close(c.timer.stop)
	c.timer = nil
	c.log.Debug("timer cancelled")
	c.emit(Event{Kind: EventTimerCancelled})
}
