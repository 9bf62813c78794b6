package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Controller owns the camera binding, the recording session and the self
// timer. All state lives on a single owner goroutine; public methods enqueue a
// request, get an immediate accept/reject answer and never wait for hardware.
// Hardware results are delivered later through Events.
type Controller struct {
	log         *slog.Logger
	provider    Provider
	permissions PermissionChecker
	cfg         Config
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	// bindCtx is cancelled as soon as Close starts so a blocked Bind gives up
	bindCtx    context.Context
	cancelBind context.CancelFunc

	reqs   chan func()
	events chan Event
	done   chan struct{}
	hw     sync.WaitGroup

	// events wait here until the forwarder hands them to Events, the owner
	// goroutine never blocks on a slow consumer
	outMu     sync.Mutex
	outbox    []Event
	outClosed bool
	outReady  chan struct{}

	// everything below is touched by the owner goroutine only
	binding     *binding
	bindPending bool
	capturing   bool
	recording   *recordingSession
	timer       *timerTask
	timerSeq    uint64
	closed      bool
}

type binding struct {
	*Binding
	flash bool
}

func New(log *slog.Logger, provider Provider, permissions PermissionChecker, cfg Config) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if permissions == nil {
		permissions = Permissions{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}

	ctx, cancel := context.WithCancel(context.Background())
	bindCtx, cancelBind := context.WithCancel(ctx)
	c := &Controller{
		log:         log.With("svc", "camera"),
		provider:    provider,
		permissions: permissions,
		cfg:         cfg,
		now:         time.Now,

		ctx:        ctx,
		cancel:     cancel,
		bindCtx:    bindCtx,
		cancelBind: cancelBind,

		reqs:   make(chan func()),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),

		outReady: make(chan struct{}, 1),
	}

	go c.run()
	go c.forward()

	return c
}

// Events is closed once the controller has been torn down.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) run() {
	for {
		fn := <-c.reqs
		fn()
		if c.closed {
			close(c.done)
			c.outMu.Lock()
			c.outClosed = true
			c.outMu.Unlock()
			c.signalOutbox()
			return
		}
	}
}

// do runs fn on the owner goroutine and returns its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := make(chan error, 1)
	select {
	case c.reqs <- func() { res <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// fn never blocks, so there is no point in abandoning it half way
	return <-res
}

// post delivers a hardware completion to the owner goroutine. It reports
// false when the controller is already closed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.reqs <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) emit(ev Event) {
	ev.Time = c.now()
	c.outMu.Lock()
	c.outbox = append(c.outbox, ev)
	backlog := len(c.outbox)
	c.outMu.Unlock()

	if backlog == c.cfg.EventBuffer {
		c.log.Warn("events are not consumed, backlog is growing", "backlog", backlog)
	}
	c.signalOutbox()
}

func (c *Controller) signalOutbox() {
	select {
	case c.outReady <- struct{}{}:
	default:
	}
}

// forward delivers queued events in order and closes Events after the last
// one following teardown.
func (c *Controller) forward() {
	defer close(c.events)
	for {
		<-c.outReady

		c.outMu.Lock()
		batch := c.outbox
		c.outbox = nil
		closed := c.outClosed
		c.outMu.Unlock()

		for _, ev := range batch {
			c.events <- ev
		}
		if closed {
			return
		}
	}
}

// Initialize acquires the default back-facing binding. The outcome is reported
// as EventBound or EventDeviceUnavailable.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.binding != nil {
			return nil
		}
		if c.bindPending {
			return ErrBusy
		}
		c.startBind(nil, LensBack, false)
		return nil
	})
}

// Rebind releases the current binding and requests a new one with the given
// facing. A request for the facing already bound only updates the flash mode.
func (c *Controller) Rebind(ctx context.Context, facing LensFacing, flash bool) error {
	return c.do(ctx, func() error {
		if c.recording != nil {
			return ErrRebindConflict
		}
		if c.bindPending || c.capturing {
			return ErrBusy
		}
		if c.binding != nil && c.binding.Facing == facing {
			c.binding.flash = flash
			return nil
		}

		old := c.binding
		c.binding = nil
		c.startBind(old, facing, flash)
		return nil
	})
}

func (c *Controller) startBind(old *binding, facing LensFacing, flash bool) {
	c.bindPending = true
	c.log.Debug("binding camera", "facing", facing)

	c.hw.Add(1)
	go func() {
		defer c.hw.Done()

		// previous claim is fully released before the next one is made
		if old != nil {
			if err := c.provider.Unbind(old.Binding); err != nil {
				c.log.Warn("fail to unbind camera", "facing", old.Facing, "err", err)
			}
		}

		b, err := c.provider.Bind(c.bindCtx, facing)
		if !c.post(func() { c.bindDone(b, facing, flash, err) }) && b != nil {
			if err := c.provider.Unbind(b); err != nil {
				c.log.Warn("fail to unbind camera after close", "facing", facing, "err", err)
			}
		}
	}()
}

func (c *Controller) bindDone(b *Binding, facing LensFacing, flash bool, err error) {
	c.bindPending = false

	if err == nil && b == nil {
		err = errors.New("provider returned no binding")
	}
	if err != nil {
		c.log.Error("camera unavailable", "facing", facing, "err", err)
		c.emit(Event{
			Kind:   EventDeviceUnavailable,
			Facing: facing,
			Err:    fmt.Errorf("%w: %w", ErrDeviceUnavailable, err),
		})
		return
	}

	b.Facing = facing
	c.binding = &binding{Binding: b, flash: flash}
	c.log.Info("camera bound", "facing", facing, "flash", flash)
	c.emit(Event{Kind: EventBound, Facing: facing})
}

// CapturePhoto requests a still capture. The result arrives as EventPhotoSaved
// or EventCaptureFailed.
func (c *Controller) CapturePhoto(ctx context.Context) error {
	return c.do(ctx, c.capture)
}

func (c *Controller) capture() error {
	if c.binding == nil {
		return ErrNotBound
	}
	if c.capturing || c.recording != nil {
		return ErrBusy
	}

	still := c.binding.Still
	flash := c.binding.flash
	facing := c.binding.Facing
	target := c.outputName(".jpg")
	c.capturing = true

	c.log.Debug("capture requested", "target", target, "flash", flash)
	c.hw.Add(1)
	go func() {
		defer c.hw.Done()

		location, err := still.Capture(c.ctx, target, flash)
		c.post(func() { c.captureDone(facing, location, err) })
	}()

	return nil
}

func (c *Controller) captureDone(facing LensFacing, location string, err error) {
	c.capturing = false

	if err != nil {
		c.log.Error("photo capture failed", "err", err)
		c.emit(Event{
			Kind:   EventCaptureFailed,
			Facing: facing,
			Err:    fmt.Errorf("%w: %w", ErrCaptureFailed, err),
		})
		return
	}

	c.log.Info("photo saved", "location", location)
	c.emit(Event{Kind: EventPhotoSaved, Facing: facing, Location: location})
}

// SetFlash changes the flash mode used by the next capture.
func (c *Controller) SetFlash(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		if c.binding == nil {
			return ErrNotBound
		}
		c.binding.flash = enabled
		return nil
	})
}

// Preview streams preview frames of the current binding.
func (c *Controller) Preview(ctx context.Context) (<-chan []byte, error) {
	var sink PreviewSink
	err := c.do(ctx, func() error {
		if c.binding == nil {
			return ErrNotBound
		}
		sink = c.binding.Preview
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sink.Frames(ctx)
}

func (c *Controller) State(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, func() error {
		st = c.snapshot()
		return nil
	})
	return st, err
}

func (c *Controller) snapshot() State {
	st := State{
		BindPending: c.bindPending,
		Capturing:   c.capturing,
		Recording:   RecordingIdle,
	}
	if c.binding != nil {
		st.Bound = true
		st.Facing = c.binding.Facing
		st.Flash = c.binding.flash
	}
	if c.recording != nil {
		st.Recording = c.recording.state
		st.RecordingID = c.recording.id
	}
	if c.timer != nil {
		st.TimerPending = true
		st.TimerRemaining = c.timer.remaining
	}
	return st
}

// Close cancels the timer, force-stops any recording and releases the
// binding, then waits for outstanding hardware calls until ctx is done. The
// teardown itself always runs, even with an expired ctx.
func (c *Controller) Close(ctx context.Context) error {
	res := make(chan error, 1)
	select {
	case c.reqs <- func() { res <- c.teardown() }:
	case <-c.done:
		return nil
	}
	if err := <-res; err != nil {
		return err
	}
	defer c.cancel()
	c.cancelBind()

	released := make(chan struct{})
	go func() {
		c.hw.Wait()
		close(released)
	}()

	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fail to release camera: %w", ctx.Err())
	}
}

func (c *Controller) teardown() error {
	c.cancelTimer()

	if s := c.recording; s != nil {
		c.log.Info("force-stopping recording", "id", s.id, "state", s.state)
		s.state = RecordingFinalizing
		s.handle.Stop()
	}

	if b := c.binding; b != nil {
		c.binding = nil
		c.hw.Add(1)
		go func() {
			defer c.hw.Done()
			if err := c.provider.Unbind(b.Binding); err != nil {
				c.log.Warn("fail to unbind camera", "facing", b.Facing, "err", err)
			}
		}()
	}

	c.emit(Event{Kind: EventReleased})
	c.closed = true
	c.log.Info("camera released")
	return nil
}

// outputs are named by capture timestamp
func (c *Controller) outputName(ext string) string {
	return filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%d%s", c.now().UnixMilli(), ext))
}
