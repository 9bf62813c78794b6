package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingStarting
	RecordingActive
	RecordingFinalizing
)

func (s RecordingState) String() string {
	switch s {
	case RecordingIdle:
		return "idle"
	case RecordingStarting:
		return "starting"
	case RecordingActive:
		return "active"
	case RecordingFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("RecordingState(%d)", int(s))
	}
}

// recordingSession borrows the video sink of the current binding; rebinding
// is rejected while one exists.
type recordingSession struct {
	id     string
	state  RecordingState
	target string
	audio  bool
	handle Recording
}

// StartRecording starts a video recording with audio. The session becomes
// active once the hardware acknowledges it with EventRecordingStarted.
func (c *Controller) StartRecording(ctx context.Context) error {
	return c.do(ctx, c.startRecording)
}

func (c *Controller) startRecording() error {
	if c.binding == nil {
		return ErrNotBound
	}
	if c.recording != nil {
		return ErrAlreadyRecording
	}
	if c.capturing {
		return ErrBusy
	}
	if !c.permissions.HasPermission(PermissionRecordAudio) {
		return ErrPermissionDenied
	}

	s := &recordingSession{
		id:     uuid.NewString(),
		state:  RecordingStarting,
		target: c.outputName(".mp4"),
		audio:  true,
	}

	handle, err := c.binding.Video.StartRecording(c.ctx, s.target, s.audio)
	if err != nil {
		c.log.Error("fail to start recording", "id", s.id, "err", err)
		return fmt.Errorf("%w: %w", ErrRecordingFailed, err)
	}
	s.handle = handle
	c.recording = s

	c.log.Info("recording requested", "id", s.id, "target", s.target)
	c.hw.Add(1)
	go c.pumpRecording(s.id, handle)

	return nil
}

// StopRecording is a no-op when nothing is recording or a stop is already in
// progress.
func (c *Controller) StopRecording(ctx context.Context) error {
	return c.do(ctx, c.stopRecording)
}

func (c *Controller) stopRecording() error {
	s := c.recording
	if s == nil || s.state == RecordingFinalizing {
		return nil
	}

	c.log.Info("stopping recording", "id", s.id, "state", s.state)
	s.state = RecordingFinalizing
	s.handle.Stop()
	return nil
}

func (c *Controller) pumpRecording(id string, handle Recording) {
	defer c.hw.Done()

	for ev := range handle.Events() {
		// after Close the events are still drained so Close waits for the
		// hardware to finalize the file
		c.post(func() { c.recordingEvent(id, ev) })
		if ev.Kind == RecordFinalized {
			return
		}
	}

	c.post(func() {
		c.recordingEvent(id, RecordEvent{
			Kind: RecordFinalized,
			Err:  errors.New("recording closed without finalize"),
		})
	})
}

func (c *Controller) recordingEvent(id string, ev RecordEvent) {
	s := c.recording
	if s == nil || s.id != id {
		c.log.Debug("stale recording event", "id", id, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case RecordStarted:
		// stop may already have been requested before the acknowledgment
		if s.state != RecordingStarting {
			return
		}
		s.state = RecordingActive
		c.log.Info("recording started", "id", s.id)
		c.emit(Event{Kind: EventRecordingStarted, RecordingID: s.id})

	case RecordFinalized:
		c.recording = nil
		if ev.Err != nil {
			c.log.Error("recording failed", "id", s.id, "err", ev.Err)
			c.emit(Event{
				Kind:        EventRecordingFailed,
				RecordingID: s.id,
				Err:         fmt.Errorf("%w: %w", ErrRecordingFailed, ev.Err),
			})
			return
		}

		location := ev.Location
		if location == "" {
			location = s.target
		}
		c.log.Info("recording saved", "id", s.id, "location", location)
		c.emit(Event{Kind: EventRecordingSaved, RecordingID: s.id, Location: location})
	}
}
