// Package camtest provides an in-memory camera Provider for tests. Every
// hardware effect is recorded and can be held or failed on demand.
package camtest

import (
	"context"
	"errors"
	"sync"

	"github.com/tuzkov/camscreen/camera"
)

// Frame is the JPEG payload sent by the preview sink.
var Frame = []byte{0xff, 0xd8, 0xff, 0xd9}

type Provider struct {
	Still *StillSink
	Video *VideoSink

	mu       sync.Mutex
	bindErr  error
	bindGate chan struct{}
	live     int
	maxLive  int
	binds    int
	unbinds  int
	facings  []camera.LensFacing
}

func NewProvider() *Provider {
	return &Provider{
		Still: &StillSink{},
		Video: &VideoSink{},
	}
}

// FailBind makes every following Bind fail with err (nil restores success).
func (p *Provider) FailBind(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindErr = err
}

// HoldBind makes the following Bind calls wait until the returned func is
// called.
func (p *Provider) HoldBind() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.bindGate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.bindGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

func (p *Provider) Bind(ctx context.Context, facing camera.LensFacing) (*camera.Binding, error) {
	p.mu.Lock()
	gate := p.bindGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.binds++
	if p.bindErr != nil {
		return nil, p.bindErr
	}

	p.live++
	p.maxLive = max(p.maxLive, p.live)
	p.facings = append(p.facings, facing)

	return &camera.Binding{
		Facing:  facing,
		Preview: &PreviewSink{},
		Still:   p.Still,
		Video:   p.Video,
	}, nil
}

func (p *Provider) Unbind(b *camera.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live == 0 {
		return errors.New("nothing to unbind")
	}
	p.live--
	p.unbinds++
	return nil
}

// Live is the number of bindings currently claimed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// MaxLive is the highest number of simultaneously claimed bindings observed.
func (p *Provider) MaxLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLive
}

func (p *Provider) Binds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binds
}

func (p *Provider) Unbinds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unbinds
}

// Facings lists the lens facing of every successful bind in order.
func (p *Provider) Facings() []camera.LensFacing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]camera.LensFacing(nil), p.facings...)
}

type PreviewSink struct{}

func (s *PreviewSink) Frames(ctx context.Context) (<-chan []byte, error) {
	stream := make(chan []byte, 1)
	stream <- Frame
	go func() {
		<-ctx.Done()
		close(stream)
	}()
	return stream, nil
}

type Shot struct {
	Target string
	Flash  bool
}

type StillSink struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	shots []Shot
}

// Fail makes following captures fail with err.
func (s *StillSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Hold makes following captures wait until the returned func is called.
func (s *StillSink) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *StillSink) Capture(ctx context.Context, target string, flash bool) (string, error) {
	s.mu.Lock()
	s.shots = append(s.shots, Shot{Target: target, Flash: flash})
	gate := s.gate
	err := s.err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

func (s *StillSink) Shots() []Shot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Shot(nil), s.shots...)
}

type VideoSink struct {
	mu          sync.Mutex
	startErr    error
	manualAck   bool
	holdStop    bool
	finalizeErr error
	recordings  []*Recording
}

// FailStart makes StartRecording fail synchronously.
func (v *VideoSink) FailStart(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.startErr = err
}

// ManualAck stops recordings from acknowledging their start on their own;
// call Recording.Ack instead.
func (v *VideoSink) ManualAck() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.manualAck = true
}

// HoldStop keeps stopped recordings parked until Recording.Finalize is called.
func (v *VideoSink) HoldStop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holdStop = true
}

// FailFinalize makes stopped recordings finalize with err.
func (v *VideoSink) FailFinalize(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finalizeErr = err
}

func (v *VideoSink) StartRecording(ctx context.Context, target string, audio bool) (camera.Recording, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.startErr != nil {
		return nil, v.startErr
	}

	rec := &Recording{
		Target:      target,
		Audio:       audio,
		events:      make(chan camera.RecordEvent, 2),
		holdStop:    v.holdStop,
		finalizeErr: v.finalizeErr,
	}
	if !v.manualAck {
		rec.Ack()
	}
	v.recordings = append(v.recordings, rec)
	return rec, nil
}

func (v *VideoSink) Starts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.recordings)
}

// Last returns the most recently started recording or nil.
func (v *VideoSink) Last() *Recording {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.recordings) == 0 {
		return nil
	}
	return v.recordings[len(v.recordings)-1]
}

type Recording struct {
	Target string
	Audio  bool

	events      chan camera.RecordEvent
	holdStop    bool
	finalizeErr error

	mu        sync.Mutex
	acked     bool
	stops     int
	finalized bool
}

func (r *Recording) Events() <-chan camera.RecordEvent {
	return r.events
}

func (r *Recording) Stop() {
	r.mu.Lock()
	r.stops++
	hold := r.holdStop
	r.mu.Unlock()

	if !hold {
		r.Finalize(r.finalizeErr)
	}
}

// Ack delivers the hardware start acknowledgment.
func (r *Recording) Ack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acked || r.finalized {
		return
	}
	r.acked = true
	r.events <- camera.RecordEvent{Kind: camera.RecordStarted}
}

// Finalize delivers the terminal event; only the first call has an effect.
func (r *Recording) Finalize(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true

	ev := camera.RecordEvent{Kind: camera.RecordFinalized, Err: err}
	if err == nil {
		ev.Location = r.Target
	}
	r.events <- ev
	close(r.events)
}

func (r *Recording) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}
