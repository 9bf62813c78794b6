package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tuzkov/camscreen/camera"
	"github.com/tuzkov/camscreen/filter"
	"github.com/tuzkov/camscreen/gallery"
	"github.com/tuzkov/camscreen/medialib"
)

var (
	ErrNoMedia         = errors.New("no media selected")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Screen is the camera screen: every control the user can reach plus the
// notification feed that reports what happened.
type Screen interface {
	Capture(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Flip(ctx context.Context) error
	ToggleFlash(ctx context.Context) error
	StartTimer(ctx context.Context, seconds int) error
	CancelTimer(ctx context.Context) error
	SetFilter(ctx context.Context, name string) error
	SetPlaybackSpeed(ctx context.Context, speed float64) error
	PickSound(ctx context.Context) (*medialib.Item, error)
	PickMedia(ctx context.Context) (*medialib.Item, error)

	Preview(ctx context.Context) (Stream, error)
	Status(ctx context.Context) (*Status, error)
	Subscribe() (<-chan Notification, func())
	Close(ctx context.Context) error
}

type Stream <-chan []byte

type Status struct {
	Bound          bool           `json:"bound"`
	BindPending    bool           `json:"bind_pending"`
	Facing         string         `json:"facing"`
	Flash          bool           `json:"flash"`
	Capturing      bool           `json:"capturing"`
	Recording      string         `json:"recording"`
	RecordingID    string         `json:"recording_id,omitempty"`
	TimerPending   bool           `json:"timer_pending"`
	TimerRemaining int            `json:"timer_remaining"`
	Filter         string         `json:"filter"`
	PlaybackSpeed  float64        `json:"playback_speed"`
	Media          *medialib.Item `json:"media,omitempty"`
	Sound          *medialib.Item `json:"sound,omitempty"`
}

type Config struct {
	Camera   camera.Config
	Provider camera.ProviderConfig
	Filter   filter.Config
	Library  medialib.LibraryConfig

	RecordAudio   bool
	GalleryPath   string
	TimerSeconds  int
	PlaybackSpeed float64
}

type service struct {
	log *slog.Logger
	cfg *Config

	ctrl     *camera.Controller
	gallery  *gallery.Store
	sounds   medialib.Picker
	pipeline *filter.Pipeline
	hub      *hub
	wg       sync.WaitGroup

	mu    sync.Mutex
	speed float64
	media *medialib.Item
	sound *medialib.Item
}

func NewService(log *slog.Logger, cfg *Config, provider camera.Provider) (Screen, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TimerSeconds <= 0 {
		cfg.TimerSeconds = 3
	}
	if !(cfg.PlaybackSpeed > 0 && cfg.PlaybackSpeed <= 4) {
		cfg.PlaybackSpeed = 2
	}

	pipeline, err := filter.NewPipeline(cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("fail to create filter pipeline: %w", err)
	}

	store, err := gallery.Open(log, cfg.GalleryPath)
	if err != nil {
		return nil, fmt.Errorf("fail to open gallery: %w", err)
	}

	var sounds medialib.Picker = store
	if cfg.Library.Address != "" {
		sounds, err = medialib.NewClient(log, &cfg.Library)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("fail to create media library client: %w", err)
		}
	}

	permissions := camera.Permissions{camera.PermissionRecordAudio: cfg.RecordAudio}

	svc := &service{
		log: log.With("svc", "service"),
		cfg: cfg,

		ctrl:     camera.New(log, provider, permissions, cfg.Camera),
		gallery:  store,
		sounds:   sounds,
		pipeline: pipeline,
		hub:      newHub(log),

		speed: 1,
	}

	svc.wg.Add(1)
	go svc.handleEvents()

	if err := svc.ctrl.Initialize(context.Background()); err != nil {
		svc.log.Error("fail to initialize camera", "err", err)
	}

	return svc, nil
}

func (svc *service) handleEvents() {
	defer svc.wg.Done()
	defer svc.hub.close()

	for ev := range svc.ctrl.Events() {
		cameraEventsTotal.WithLabelValues(ev.Kind.String()).Inc()

		switch ev.Kind {
		case camera.EventPhotoSaved:
			svc.addToGallery(ev, medialib.KindPhoto)
		case camera.EventRecordingSaved:
			svc.addToGallery(ev, medialib.KindVideo)
		}

		svc.hub.publish(notificationFor(ev))
	}
}

func (svc *service) addToGallery(ev camera.Event, kind medialib.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := svc.gallery.Add(ctx, medialib.Item{
		ID:        ev.RecordingID,
		Kind:      kind,
		Location:  ev.Location,
		CreatedAt: ev.Time,
	})
	if err != nil {
		svc.log.Error("fail to add to gallery", "location", ev.Location, "err", err)
	}
}

// report turns a rejected request into a notification and returns err as is.
func (svc *service) report(op string, err error) error {
	if err == nil {
		return nil
	}
	requestsRejectedTotal.WithLabelValues(op).Inc()
	svc.log.Warn("request rejected", "op", op, "err", err)
	svc.hub.publish(errorNotification(op, err))
	return err
}

func (svc *service) Capture(ctx context.Context) error {
	return svc.report("capture", svc.ctrl.CapturePhoto(ctx))
}

func (svc *service) StartRecording(ctx context.Context) error {
	return svc.report("record_start", svc.ctrl.StartRecording(ctx))
}

func (svc *service) StopRecording(ctx context.Context) error {
	return svc.report("record_stop", svc.ctrl.StopRecording(ctx))
}

func (svc *service) Flip(ctx context.Context) error {
	st, err := svc.ctrl.State(ctx)
	if err != nil {
		return svc.report("flip", err)
	}
	return svc.report("flip", svc.ctrl.Rebind(ctx, st.Facing.Flip(), st.Flash))
}

func (svc *service) ToggleFlash(ctx context.Context) error {
	st, err := svc.ctrl.State(ctx)
	if err != nil {
		return svc.report("flash", err)
	}
	return svc.report("flash", svc.ctrl.SetFlash(ctx, !st.Flash))
}

// StartTimer uses the configured countdown when seconds is 0.
func (svc *service) StartTimer(ctx context.Context, seconds int) error {
	if seconds == 0 {
		seconds = svc.cfg.TimerSeconds
	}
	return svc.report("timer_start", svc.ctrl.StartTimer(ctx, seconds))
}

func (svc *service) CancelTimer(ctx context.Context) error {
	return svc.report("timer_cancel", svc.ctrl.CancelTimer(ctx))
}

func (svc *service) SetFilter(ctx context.Context, name string) error {
	if err := svc.pipeline.SetFilter(name); err != nil {
		return svc.report("filter", fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	svc.hub.publish(Notification{Kind: KindFilter, Message: "Filter applied: " + name})
	return nil
}

// SetPlaybackSpeed applies speed to the selected media; 0 means the
// configured speed.
func (svc *service) SetPlaybackSpeed(ctx context.Context, speed float64) error {
	if speed == 0 {
		speed = svc.cfg.PlaybackSpeed
	}
	if !(speed > 0 && speed <= 4) {
		return svc.report("speed", fmt.Errorf("%w: playback speed %v out of range", ErrInvalidArgument, speed))
	}

	svc.mu.Lock()
	media := svc.media
	if media != nil {
		svc.speed = speed
	}
	svc.mu.Unlock()

	if media == nil {
		return svc.report("speed", ErrNoMedia)
	}
	svc.hub.publish(Notification{
		Kind:    KindPlayback,
		Message: fmt.Sprintf("Playback speed %.1fx: %s", speed, media.Name),
	})
	return nil
}

func (svc *service) PickSound(ctx context.Context) (*medialib.Item, error) {
	item, err := svc.sounds.Pick(ctx, medialib.KindAudio)
	if err != nil {
		return nil, svc.report("pick_sound", err)
	}
	svc.picked(item, &svc.sound, "Sound")
	return item, nil
}

func (svc *service) PickMedia(ctx context.Context) (*medialib.Item, error) {
	item, err := svc.gallery.Pick(ctx, medialib.KindPhoto, medialib.KindVideo)
	if err != nil {
		return nil, svc.report("pick_media", err)
	}
	svc.picked(item, &svc.media, "Media")
	return item, nil
}

// picked keeps the previous selection when the picker returned nothing
func (svc *service) picked(item *medialib.Item, slot **medialib.Item, what string) {
	if item == nil {
		svc.hub.publish(Notification{Kind: KindPick, Message: "No " + what + " selected"})
		return
	}

	svc.mu.Lock()
	*slot = item
	svc.mu.Unlock()

	svc.hub.publish(Notification{
		Kind:     KindPick,
		Message:  what + " selected: " + item.Name,
		Location: item.Location,
	})
}

func (svc *service) Preview(ctx context.Context) (Stream, error) {
	frames, err := svc.ctrl.Preview(ctx)
	if err != nil {
		return nil, svc.report("preview", err)
	}

	stream := make(chan []byte, 10)
	go func() {
		defer close(stream)
		for frame := range frames {
			out, err := svc.pipeline.Process(frame)
			if err != nil {
				svc.log.Warn("fail to filter frame", "err", err)
				continue
			}
			select {
			case stream <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream, nil
}

func (svc *service) Status(ctx context.Context) (*Status, error) {
	st, err := svc.ctrl.State(ctx)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	return &Status{
		Bound:          st.Bound,
		BindPending:    st.BindPending,
		Facing:         st.Facing.String(),
		Flash:          st.Flash,
		Capturing:      st.Capturing,
		Recording:      st.Recording.String(),
		RecordingID:    st.RecordingID,
		TimerPending:   st.TimerPending,
		TimerRemaining: st.TimerRemaining,
		Filter:         svc.pipeline.Filter(),
		PlaybackSpeed:  svc.speed,
		Media:          svc.media,
		Sound:          svc.sound,
	}, nil
}

func (svc *service) Subscribe() (<-chan Notification, func()) {
	return svc.hub.subscribe()
}

// Close tears the camera down, drains the remaining events and closes the
// gallery.
func (svc *service) Close(ctx context.Context) error {
	err := svc.ctrl.Close(ctx)
	svc.wg.Wait()
	return errors.Join(err, svc.gallery.Close())
}
