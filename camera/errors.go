package camera

import "errors"

var (
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	ErrNotBound          = errors.New("camera is not bound")
	ErrRebindConflict    = errors.New("camera can't be rebound while recording")
	ErrAlreadyRecording  = errors.New("recording already in progress")
	ErrPermissionDenied  = errors.New("audio recording permission denied")
	ErrCaptureFailed     = errors.New("photo capture failed")
	ErrRecordingFailed   = errors.New("recording failed")

	// camera is held by another operation (capture in flight, bind pending)
	ErrBusy = errors.New("camera is busy")

	ErrClosed       = errors.New("camera controller is closed")
	ErrInvalidTimer = errors.New("timer seconds must be positive")
)
