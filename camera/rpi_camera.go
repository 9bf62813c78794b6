package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	RpiCamBinary    = "rpicam-still"
	RpiCamVidBinary = "rpicam-vid"
)

// rpicam can be run only from one place at a time. Preview shots only take
// the lock when it is free; captures and recordings wait up to
// rpicamLockWait for a preview shot to finish.
var rpicamLock = make(chan struct{}, 1)

const rpicamLockWait = 10 * time.Second

func tryLockRpicam() bool {
	select {
	case rpicamLock <- struct{}{}:
		return true
	default:
		return false
	}
}

func lockRpicam(ctx context.Context) error {
	timer := time.NewTimer(rpicamLockWait)
	defer timer.Stop()

	select {
	case rpicamLock <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.New("rpicam is busy")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unlockRpicam() {
	<-rpicamLock
}

type RPIConfig struct {
	// libcamera camera index per lens facing
	Cameras         map[LensFacing]int
	Rotation        int
	PreviewInterval time.Duration
}

type rpiProvider struct {
	log *slog.Logger
	cfg RPIConfig
}

func NewRPIProvider(log *slog.Logger, cfg RPIConfig) Provider {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PreviewInterval <= 0 {
		cfg.PreviewInterval = 2 * time.Second
	}
	return &rpiProvider{
		log: log.With("svc", "rpicamera"),
		cfg: cfg,
	}
}

func (p *rpiProvider) Bind(ctx context.Context, facing LensFacing) (*Binding, error) {
	index, ok := p.cfg.Cameras[facing]
	if !ok {
		return nil, fmt.Errorf("no camera configured for %s facing", facing)
	}
	for _, bin := range []string{RpiCamBinary, RpiCamVidBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("fail to find %s: %w", bin, err)
		}
	}

	tmpDir, err := os.MkdirTemp("", "")
	if err != nil {
		return nil, fmt.Errorf("fail to create tmp dir: %w", err)
	}

	cam := &rpiCamera{
		log:    p.log.With("camera", index, "facing", facing),
		cfg:    &p.cfg,
		index:  index,
		tmpDir: tmpDir,
		closed: make(chan struct{}),
	}

	return &Binding{
		Facing:  facing,
		Preview: cam,
		Still:   cam,
		Video:   cam,
	}, nil
}

func (p *rpiProvider) Unbind(b *Binding) error {
	cam, ok := b.Still.(*rpiCamera)
	if !ok {
		return errors.New("binding doesn't belong to rpi provider")
	}
	close(cam.closed)
	if err := os.RemoveAll(cam.tmpDir); err != nil {
		return fmt.Errorf("fail to remove tmp dir: %w", err)
	}
	return nil
}

type rpiCamera struct {
	log *slog.Logger
	cfg *RPIConfig

	index  int
	tmpDir string
	closed chan struct{}
}

func (c *rpiCamera) cameraOpts() []string {
	return []string{
		"--camera", strconv.Itoa(c.index),
		"--rotation", strconv.Itoa(c.cfg.Rotation),
		"-n", // no preview
	}
}

func (c *rpiCamera) Capture(ctx context.Context, target string, flash bool) (string, error) {
	if flash {
		c.log.DebugContext(ctx, "rpi camera has no flash, capturing without it")
	}
	if err := lockRpicam(ctx); err != nil {
		return "", fmt.Errorf("fail to take shot: %w", err)
	}
	defer unlockRpicam()

	if err := c.takeShot(ctx, target); err != nil {
		return "", fmt.Errorf("fail to take shot: %w", err)
	}
	return target, nil
}

// runs CLI commant to take shot from camera, the caller holds rpicamLock
// rpicam-still --camera 0 --rotation 0 -n --encoding jpg --immediate -o name
func (c *rpiCamera) takeShot(ctx context.Context, name string) error {
	args := append(c.cameraOpts(),
		"--encoding", "jpg",
		"--immediate",
		"-o", name,
	)

	c.log.DebugContext(ctx, "rpicam-still args", "args", args)
	cmd := exec.CommandContext(ctx, RpiCamBinary, args...)
	output, err := cmd.CombinedOutput()
	c.log.DebugContext(ctx, "rpicam-still output", "output", string(output))
	if err != nil {
		return fmt.Errorf("fail to run rpicam-still: %w", err)
	}

	return nil
}

// preview stills share one file, so it is read back under the lock
func (c *rpiCamera) previewShot(ctx context.Context, name string) ([]byte, error) {
	if err := c.takeShot(ctx, name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

func (c *rpiCamera) Frames(ctx context.Context) (<-chan []byte, error) {
	stream := make(chan []byte, 10)
	name := filepath.Join(c.tmpDir, "preview.jpg")

	go func() {
		defer close(stream)
		after := time.After(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-after:
			}
			after = time.After(c.cfg.PreviewInterval)

			if !tryLockRpicam() {
				// a capture or recording owns the camera
				c.log.Debug("preview frame skipped, rpicam is busy")
				continue
			}
			shot, err := c.previewShot(ctx, name)
			unlockRpicam()
			if err != nil {
				c.log.Debug("preview frame skipped", "err", err)
				continue
			}
			select {
			case stream <- shot:
			default:
				c.log.Warn("buffer overflow")
			}
		}
	}()

	return stream, nil
}

// rpicam-vid --camera 0 --rotation 0 -n -t 0 --codec libav [--libav-audio] -o target
//
// The lock wait and process start happen in the background, the outcome is
// reported through the recording events.
func (c *rpiCamera) StartRecording(ctx context.Context, target string, audio bool) (Recording, error) {
	args := append(c.cameraOpts(),
		"-t", "0", // runs infinetly
		"--codec", "libav",
		"-o", target,
	)
	if audio {
		args = append(args, "--libav-audio")
	}

	rec := &rpiRecording{
		events: make(chan RecordEvent, 2),
		stop:   make(chan struct{}),
	}
	go c.record(ctx, rec, args, target)

	return rec, nil
}

func (c *rpiCamera) record(ctx context.Context, rec *rpiRecording, args []string, target string) {
	defer close(rec.events)

	fail := func(err error) {
		rec.events <- RecordEvent{Kind: RecordFinalized, Err: err}
	}

	if err := lockRpicam(ctx); err != nil {
		fail(fmt.Errorf("fail to run rpicam-vid: %w", err))
		return
	}
	defer unlockRpicam()

	select {
	case <-rec.stop:
		fail(errors.New("recording stopped before rpicam-vid started"))
		return
	default:
	}

	c.log.DebugContext(ctx, "rpicam-vid args", "args", args)
	output := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, RpiCamVidBinary, args...)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		fail(fmt.Errorf("fail to run rpicam-vid: %w", err))
		return
	}
	rec.events <- RecordEvent{Kind: RecordStarted}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-exited:
	case <-rec.stop:
		// rpicam-vid finalizes the container on SIGINT
		cmd.Process.Signal(os.Interrupt)
		err = <-exited
	}

	c.log.Debug("rpicam-vid output", "output", output.String())
	if err != nil {
		fail(fmt.Errorf("rpicam-vid exited: %w", err))
		return
	}
	rec.events <- RecordEvent{Kind: RecordFinalized, Location: target}
}

type rpiRecording struct {
	events   chan RecordEvent
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *rpiRecording) Events() <-chan RecordEvent {
	return r.events
}

func (r *rpiRecording) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}
