package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

const (
	V4L2_PIX_FMT_PJPG = 0x47504A50
	V4L2_PIX_FMT_YUYV = 0x56595559
)

var supportedFormats = map[webcam.PixelFormat]bool{
	V4L2_PIX_FMT_PJPG: false,
	V4L2_PIX_FMT_YUYV: true,
}

type USBConfig struct {
	// device path per lens facing, e.g. /dev/video0
	Devices         map[LensFacing]string
	FPS             int
	PreviewInterval time.Duration
	FFmpeg          string
}

type usbProvider struct {
	log *slog.Logger
	cfg USBConfig
}

func NewUSBProvider(log *slog.Logger, cfg USBConfig) Provider {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = 2 * time.Second
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	return &usbProvider{
		log: log.With("svc", "usbcamera"),
		cfg: cfg,
	}
}

func (p *usbProvider) Bind(ctx context.Context, facing LensFacing) (*Binding, error) {
	path := p.cfg.Devices[facing]
	if path == "" {
		return nil, fmt.Errorf("no device configured for %s camera", facing)
	}

	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open camera %s: %w", path, err)
	}
	log := p.log.With("device", path, "facing", facing)

	formatDesc := cam.GetSupportedFormats()
	log.Debug("Supported formats", "formats", formatDesc)

	var format webcam.PixelFormat
	for f, desc := range formatDesc {
		if supportedFormats[f] {
			log.Debug("Picked format", "format", desc)
			format = f
			break
		}
	}

	if format == 0 {
		cam.Close()
		return nil, fmt.Errorf("found no supported formats on %s", path)
	}

	sizes := FrameSizes(cam.GetSupportedFrameSizes(format))
	if len(sizes) == 0 {
		cam.Close()
		return nil, fmt.Errorf("found no frame sizes on %s", path)
	}
	sort.Sort(sizes)

	size := sizes[len(sizes)-1]
	log.Debug("Picked size", "size", size)

	f, w, h, err := cam.SetImageFormat(format, size.MaxWidth, size.MaxHeight)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("fail to set image format: %w", err)
	}

	log.Info("Set image format", "format", f, "width", w, "height", h)

	err = cam.StartStreaming()
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("fail to start streaming: %w", err)
	}

	dev := &usbDevice{
		log:         log,
		cfg:         &p.cfg,
		cam:         cam,
		imageWidth:  int(w),
		imageHeight: int(h),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go dev.handleCamera()

	return &Binding{
		Facing:  facing,
		Preview: dev,
		Still:   dev,
		Video:   dev,
	}, nil
}

func (p *usbProvider) Unbind(b *Binding) error {
	dev, ok := b.Still.(*usbDevice)
	if !ok {
		return errors.New("binding doesn't belong to usb provider")
	}
	return dev.close()
}

type usbDevice struct {
	log *slog.Logger
	cfg *USBConfig

	cam         *webcam.Webcam
	imageWidth  int
	imageHeight int

	stop chan struct{}
	done chan struct{}

	sync.RWMutex
	frame []byte
}

func (c *usbDevice) handleCamera() {
	defer close(c.done)

	var timeout *webcam.Timeout
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.cam.WaitForFrame(5)
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			c.log.Warn("fail to wait for frame", "err", err)
			continue
		}

		frame, err := c.cam.ReadFrame()
		if err != nil {
			c.log.Warn("fail to read frame", "err", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}

		// driver reuses its buffers
		copied := make([]byte, len(frame))
		copy(copied, frame)

		c.RWMutex.Lock()
		c.frame = copied
		c.RWMutex.Unlock()
	}
}

func (c *usbDevice) close() error {
	close(c.stop)
	<-c.done

	if err := c.cam.StopStreaming(); err != nil {
		c.log.Warn("fail to stop streaming", "err", err)
	}
	if err := c.cam.Close(); err != nil {
		return fmt.Errorf("fail to close camera: %w", err)
	}
	c.log.Info("camera closed")
	return nil
}

func (c *usbDevice) latest() []byte {
	c.RWMutex.RLock()
	defer c.RWMutex.RUnlock()
	return c.frame
}

func (c *usbDevice) Frames(ctx context.Context) (<-chan []byte, error) {
	stream := make(chan []byte, 10)

	go func() {
		defer close(stream)
		after := time.After(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-after:
			}
			after = time.After(c.cfg.PreviewInterval)

			frame := c.latest()
			if frame == nil {
				continue
			}

			image, err := c.encodeToImage(frame)
			if err != nil {
				c.log.Warn("fail to encode image", "err", err)
				continue
			}
			select {
			case stream <- image:
			default:
				c.log.Warn("buffer overflow")
				// just in case. to not block channel
			}
		}
	}()

	return stream, nil
}

func (c *usbDevice) Capture(ctx context.Context, target string, flash bool) (string, error) {
	if flash {
		c.log.DebugContext(ctx, "usb camera has no flash, capturing without it")
	}

	frame := c.latest()
	if frame == nil {
		return "", errors.New("frame not yet available")
	}

	shot, err := c.encodeToImage(frame)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(target, shot, 0o644); err != nil {
		return "", fmt.Errorf("fail to write shot: %w", err)
	}
	return target, nil
}

func (c *usbDevice) StartRecording(ctx context.Context, target string, audio bool) (Recording, error) {
	if audio {
		c.log.WarnContext(ctx, "usb camera records video only, audio track skipped")
	}

	dir, err := os.MkdirTemp("", "recording")
	if err != nil {
		return nil, fmt.Errorf("fail to create tmp dir: %w", err)
	}

	rec := &usbRecording{
		dev:    c,
		target: target,
		dir:    dir,
		events: make(chan RecordEvent, 2),
		stop:   make(chan struct{}),
	}
	go rec.run(ctx)

	return rec, nil
}

// usbRecording spools frames as JPEG files and encodes them on stop.
type usbRecording struct {
	dev    *usbDevice
	target string
	dir    string

	events   chan RecordEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *usbRecording) Events() <-chan RecordEvent {
	return r.events
}

func (r *usbRecording) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *usbRecording) run(ctx context.Context) {
	defer close(r.events)
	defer os.RemoveAll(r.dir)

	r.events <- RecordEvent{Kind: RecordStarted}

	fps := r.dev.cfg.FPS
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	count := 0
spool:
	for {
		select {
		case <-r.stop:
			break spool
		case <-r.dev.stop:
			break spool
		case <-ctx.Done():
			r.events <- RecordEvent{Kind: RecordFinalized, Err: ctx.Err()}
			return
		case <-ticker.C:
		}

		frame := r.dev.latest()
		if frame == nil {
			continue
		}
		shot, err := r.dev.encodeToImage(frame)
		if err != nil {
			r.dev.log.Warn("fail to encode frame", "err", err)
			continue
		}
		if err := os.WriteFile(filepath.Join(r.dir, frameFilename(count)), shot, 0o644); err != nil {
			r.events <- RecordEvent{Kind: RecordFinalized, Err: fmt.Errorf("fail to spool frame: %w", err)}
			return
		}
		count++
	}

	if count == 0 {
		r.events <- RecordEvent{Kind: RecordFinalized, Err: errors.New("no frames recorded")}
		return
	}

	err := encodeVideo(ctx, r.dev.log, r.dev.cfg.FFmpeg, r.dir, fps, r.target)
	r.events <- RecordEvent{Kind: RecordFinalized, Location: r.target, Err: err}
}

func (c *usbDevice) encodeToImage(frame []byte) ([]byte, error) {
	var (
		img image.Image
	)

	if len(frame) < c.imageWidth*c.imageHeight*2 {
		return nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}

	yuyv := image.NewYCbCr(image.Rect(0, 0, c.imageWidth, c.imageHeight), image.YCbCrSubsampleRatio422)
	for i := range yuyv.Cb {
		ii := i * 4
		yuyv.Y[i*2] = frame[ii]
		yuyv.Y[i*2+1] = frame[ii+2]
		yuyv.Cb[i] = frame[ii+1]
		yuyv.Cr[i] = frame[ii+3]

	}
	img = yuyv
	//convert to jpeg
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, nil); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), nil
}

type FrameSizes []webcam.FrameSize

func (slice FrameSizes) Len() int {
	return len(slice)
}

// For sorting purposes
func (slice FrameSizes) Less(i, j int) bool {
	ls := slice[i].MaxWidth * slice[i].MaxHeight
	rs := slice[j].MaxWidth * slice[j].MaxHeight
	return ls < rs
}

// For sorting purposes
func (slice FrameSizes) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}
