package camera

import (
	"fmt"
	"time"
)

type EventKind int

const (
	EventBound EventKind = iota
	EventDeviceUnavailable
	EventPhotoSaved
	EventCaptureFailed
	EventRecordingStarted
	EventRecordingSaved
	EventRecordingFailed
	EventTimerTick
	EventTimerCancelled
	EventReleased
)

var eventNames = map[EventKind]string{
	EventBound:             "bound",
	EventDeviceUnavailable: "device_unavailable",
	EventPhotoSaved:        "photo_saved",
	EventCaptureFailed:     "capture_failed",
	EventRecordingStarted:  "recording_started",
	EventRecordingSaved:    "recording_saved",
	EventRecordingFailed:   "recording_failed",
	EventTimerTick:         "timer_tick",
	EventTimerCancelled:    "timer_cancelled",
	EventReleased:          "released",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is an asynchronous notification emitted by the controller's owner
// goroutine.
type Event struct {
	Kind        EventKind
	Time        time.Time
	Facing      LensFacing
	Location    string
	Remaining   int
	RecordingID string
	Err         error
}

// State is a consistent snapshot of the controller.
type State struct {
	Bound          bool
	BindPending    bool
	Facing         LensFacing
	Flash          bool
	Capturing      bool
	Recording      RecordingState
	RecordingID    string
	TimerPending   bool
	TimerRemaining int
}
