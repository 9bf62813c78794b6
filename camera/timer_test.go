package camera_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tuzkov/camscreen/camera"
	"github.com/tuzkov/camscreen/camera/camtest"
)

func TestTimerCountsDownAndCaptures(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, nil)

	if err := ctrl.StartTimer(t.Context(), 3); err != nil {
		t.Fatal(err)
	}
	for _, want := range []int{2, 1, 0} {
		ev := waitEvent(t, ctrl, camera.EventTimerTick)
		if ev.Remaining != want {
			t.Fatalf("remaining = %d, want %d", ev.Remaining, want)
		}
	}
	waitEvent(t, ctrl, camera.EventPhotoSaved)

	if len(p.Still.Shots()) != 1 {
		t.Fatalf("shots = %d, want 1", len(p.Still.Shots()))
	}
	if st := state(t, ctrl); st.TimerPending {
		t.Fatalf("timer still pending: %+v", st)
	}
}

func TestTimerRestartCancelsPrevious(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, nil)

	if err := ctrl.StartTimer(t.Context(), 5); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.StartTimer(t.Context(), 2); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventTimerCancelled)

	for _, want := range []int{1, 0} {
		ev := waitEvent(t, ctrl, camera.EventTimerTick)
		if ev.Remaining != want {
			t.Fatalf("remaining = %d, want %d", ev.Remaining, want)
		}
	}
	waitEvent(t, ctrl, camera.EventPhotoSaved)

	// long enough for the first timer to have expired
	time.Sleep(100 * time.Millisecond)
	if len(p.Still.Shots()) != 1 {
		t.Fatalf("shots = %d, want 1", len(p.Still.Shots()))
	}
}

func TestCancelTimer(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, nil)

	if err := ctrl.StartTimer(t.Context(), 3); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.CancelTimer(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventTimerCancelled)

	time.Sleep(100 * time.Millisecond)
	if len(p.Still.Shots()) != 0 {
		t.Fatalf("shots = %d, want 0", len(p.Still.Shots()))
	}
	if st := state(t, ctrl); st.TimerPending {
		t.Fatalf("timer still pending: %+v", st)
	}
	if err := ctrl.CancelTimer(t.Context()); err != nil {
		t.Fatal(err)
	}
}

func TestTimerCaptureRejectedWhenUnbound(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := newController(t, p, nil)

	if err := ctrl.StartTimer(t.Context(), 1); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, ctrl, camera.EventCaptureFailed)
	if !errors.Is(ev.Err, camera.ErrNotBound) {
		t.Fatalf("err = %v, want ErrNotBound", ev.Err)
	}
}

func TestTimerLosesRaceWithManualCapture(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, nil)

	release := p.Still.Hold()
	defer release()

	if err := ctrl.CapturePhoto(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.StartTimer(t.Context(), 1); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, ctrl, camera.EventCaptureFailed)
	if !errors.Is(ev.Err, camera.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", ev.Err)
	}

	release()
	waitEvent(t, ctrl, camera.EventPhotoSaved)
	if len(p.Still.Shots()) != 1 {
		t.Fatalf("shots = %d, want 1", len(p.Still.Shots()))
	}
}

func TestStartTimerInvalid(t *testing.T) {
	ctrl := newController(t, camtest.NewProvider(), nil)

	for _, seconds := range []int{0, -1} {
		if err := ctrl.StartTimer(t.Context(), seconds); !errors.Is(err, camera.ErrInvalidTimer) {
			t.Fatalf("seconds %d: err = %v, want ErrInvalidTimer", seconds, err)
		}
	}
}

func TestSlowConsumerLosesNoEvents(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := camera.New(nil, p, nil, camera.Config{
		OutputDir:    t.TempDir(),
		TickInterval: time.Millisecond,
		EventBuffer:  1,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctrl.Close(ctx)
	})

	if err := ctrl.Initialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventBound)
	if err := ctrl.StartTimer(t.Context(), 5); err != nil {
		t.Fatal(err)
	}

	// nobody reads while the countdown runs
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Still.Shots()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for want := 4; want >= 0; want-- {
		ev := waitEvent(t, ctrl, camera.EventTimerTick)
		if ev.Remaining != want {
			t.Fatalf("tick remaining %d, want %d", ev.Remaining, want)
		}
	}
	waitEvent(t, ctrl, camera.EventPhotoSaved)
}
