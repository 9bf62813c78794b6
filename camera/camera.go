package camera

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type LensFacing int

const (
	LensBack LensFacing = iota
	LensFront
)

func (f LensFacing) String() string {
	switch f {
	case LensBack:
		return "back"
	case LensFront:
		return "front"
	default:
		return fmt.Sprintf("LensFacing(%d)", int(f))
	}
}

// Flip returns the opposite lens facing.
func (f LensFacing) Flip() LensFacing {
	if f == LensFront {
		return LensBack
	}
	return LensFront
}

func ParseLensFacing(s string) (LensFacing, error) {
	switch s {
	case "back":
		return LensBack, nil
	case "front":
		return LensFront, nil
	}
	return 0, fmt.Errorf("unknown lens facing %q", s)
}

// Provider performs the actual hardware bind/unbind. Bind may block, the
// controller never calls it from its owner goroutine.
type Provider interface {
	Bind(ctx context.Context, facing LensFacing) (*Binding, error)
	Unbind(b *Binding) error
}

// Binding is one exclusive claim on a camera device plus its sinks.
type Binding struct {
	Facing  LensFacing
	Preview PreviewSink
	Still   StillSink
	Video   VideoSink
}

type PreviewSink interface {
	// Frames streams JPEG frames until ctx is done or the binding is released.
	Frames(ctx context.Context) (<-chan []byte, error)
}

type StillSink interface {
	// Capture writes a still image to target and returns the stored location.
	Capture(ctx context.Context, target string, flash bool) (string, error)
}

type VideoSink interface {
	// StartRecording must return without waiting for the hardware; progress
	// is reported through Recording.Events.
	StartRecording(ctx context.Context, target string, audio bool) (Recording, error)
}

// Recording is the hardware handle of one recording. Events delivers at most
// one RecordStarted followed by exactly one RecordFinalized.
type Recording interface {
	Events() <-chan RecordEvent
	Stop()
}

type RecordEventKind int

const (
	RecordStarted RecordEventKind = iota
	RecordFinalized
)

type RecordEvent struct {
	Kind     RecordEventKind
	Location string
	Err      error
}

type Permission string

const PermissionRecordAudio Permission = "RECORD_AUDIO"

type PermissionChecker interface {
	HasPermission(p Permission) bool
}

// Permissions is a static grant table.
type Permissions map[Permission]bool

func (p Permissions) HasPermission(perm Permission) bool {
	return p[perm]
}

type Config struct {
	OutputDir    string
	TickInterval time.Duration
	EventBuffer  int
}

const (
	BackendUSB = "usb"
	BackendRPI = "rpi"
)

type ProviderConfig struct {
	Backend string
	USB     USBConfig
	RPI     RPIConfig
}

func NewProvider(log *slog.Logger, cfg ProviderConfig) (Provider, error) {
	switch cfg.Backend {
	case BackendUSB, "":
		return NewUSBProvider(log, cfg.USB), nil
	case BackendRPI:
		return NewRPIProvider(log, cfg.RPI), nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}
