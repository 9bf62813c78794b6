package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tuzkov/camscreen/camera"
)

const (
	KindError    = "error"
	KindFilter   = "filter"
	KindPlayback = "playback"
	KindPick     = "pick"
)

// Notification is a user facing message. Kind is either a camera event name
// or one of the Kind constants above.
type Notification struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Location string    `json:"location,omitempty"`
	Facing   string    `json:"facing,omitempty"`
	Time     time.Time `json:"time"`
}

func notificationFor(ev camera.Event) Notification {
	n := Notification{
		Kind:     ev.Kind.String(),
		Location: ev.Location,
		Time:     ev.Time,
	}

	switch ev.Kind {
	case camera.EventBound:
		n.Facing = ev.Facing.String()
		n.Message = "Camera ready: " + n.Facing
	case camera.EventDeviceUnavailable:
		n.Facing = ev.Facing.String()
		n.Message = fmt.Sprintf("Camera unavailable: %v", ev.Err)
	case camera.EventPhotoSaved:
		n.Message = "Photo Saved: " + ev.Location
	case camera.EventCaptureFailed:
		n.Message = fmt.Sprintf("Photo capture failed: %v", ev.Err)
	case camera.EventRecordingStarted:
		n.Message = "Recording started"
	case camera.EventRecordingSaved:
		n.Message = "Video saved: " + ev.Location
	case camera.EventRecordingFailed:
		n.Message = fmt.Sprintf("Recording failed: %v", ev.Err)
	case camera.EventTimerTick:
		n.Message = fmt.Sprintf("Seconds remaining: %d", ev.Remaining)
	case camera.EventTimerCancelled:
		n.Message = "Timer cancelled"
	case camera.EventReleased:
		n.Message = "Camera released"
	default:
		n.Message = n.Kind
	}
	return n
}

func errorNotification(op string, err error) Notification {
	msg := err.Error()
	if op == "record_start" && errors.Is(err, camera.ErrNotBound) {
		msg = "VideoCapture is not initialized"
	}
	return Notification{
		Kind:    KindError,
		Message: msg,
		Time:    time.Now(),
	}
}

// hub fans notifications out to subscribers. Slow subscribers lose messages
// instead of blocking the event pump.
type hub struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[chan Notification]struct{}
	closed bool
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:  log.With("svc", "notify"),
		subs: make(map[chan Notification]struct{}),
	}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *hub) publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
			notificationsDroppedTotal.Inc()
			h.log.Warn("subscriber is too slow, notification dropped", "kind", n.Kind)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
