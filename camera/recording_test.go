package camera_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tuzkov/camscreen/camera"
	"github.com/tuzkov/camscreen/camera/camtest"
)

func TestStartRecordingPermissionDenied(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, camera.Permissions{})

	err := ctrl.StartRecording(t.Context())
	if !errors.Is(err, camera.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
	if p.Video.Starts() != 0 {
		t.Fatalf("hardware start issued %d times", p.Video.Starts())
	}
}

func TestStartRecordingTwice(t *testing.T) {
	p := camtest.NewProvider()
	p.Video.ManualAck()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	if st := state(t, ctrl); st.Recording != camera.RecordingStarting {
		t.Fatalf("recording state %s, want starting", st.Recording)
	}
	if err := ctrl.StartRecording(t.Context()); !errors.Is(err, camera.ErrAlreadyRecording) {
		t.Fatalf("err = %v, want ErrAlreadyRecording", err)
	}

	rec := p.Video.Last()
	if !rec.Audio {
		t.Fatal("recording started without audio")
	}
	rec.Ack()
	ev := waitEvent(t, ctrl, camera.EventRecordingStarted)

	st := state(t, ctrl)
	if st.Recording != camera.RecordingActive || st.RecordingID != ev.RecordingID {
		t.Fatalf("unexpected state %+v", st)
	}
	if err := ctrl.StartRecording(t.Context()); !errors.Is(err, camera.ErrAlreadyRecording) {
		t.Fatalf("err = %v, want ErrAlreadyRecording", err)
	}
	if p.Video.Starts() != 1 {
		t.Fatalf("hardware starts = %d, want 1", p.Video.Starts())
	}
}

func TestStopRecordingWhenIdle(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, grantAudio)

	for range 2 {
		if err := ctrl.StopRecording(t.Context()); err != nil {
			t.Fatalf("stop on idle: %v", err)
		}
	}
	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
}

func TestStopRecordingFinalizes(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	started := waitEvent(t, ctrl, camera.EventRecordingStarted)

	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	saved := waitEvent(t, ctrl, camera.EventRecordingSaved)
	if saved.RecordingID != started.RecordingID {
		t.Fatalf("saved %s, started %s", saved.RecordingID, started.RecordingID)
	}
	if filepath.Ext(saved.Location) != ".mp4" {
		t.Fatalf("location %q is not an mp4", saved.Location)
	}

	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	if stops := p.Video.Last().Stops(); stops != 1 {
		t.Fatalf("hardware stops = %d, want 1", stops)
	}
}

func TestStopBeforeAcknowledgment(t *testing.T) {
	p := camtest.NewProvider()
	p.Video.ManualAck()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventRecordingSaved)

	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
}

func TestRecordingFinalizeError(t *testing.T) {
	p := camtest.NewProvider()
	p.Video.FailFinalize(errors.New("muxer error"))
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventRecordingStarted)
	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, ctrl, camera.EventRecordingFailed)
	if !errors.Is(ev.Err, camera.ErrRecordingFailed) {
		t.Fatalf("err = %v, want ErrRecordingFailed", ev.Err)
	}
	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
	// no automatic retry
	if p.Video.Starts() != 1 {
		t.Fatalf("hardware starts = %d, want 1", p.Video.Starts())
	}
}

func TestRecordingHardwareStartFailure(t *testing.T) {
	p := camtest.NewProvider()
	p.Video.FailStart(errors.New("encoder busy"))
	ctrl := bound(t, p, grantAudio)

	err := ctrl.StartRecording(t.Context())
	if !errors.Is(err, camera.ErrRecordingFailed) {
		t.Fatalf("err = %v, want ErrRecordingFailed", err)
	}
	if st := state(t, ctrl); st.Recording != camera.RecordingIdle {
		t.Fatalf("recording state %s, want idle", st.Recording)
	}
}

func TestRecordingHardwareErrorWhileActive(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventRecordingStarted)

	p.Video.Last().Finalize(errors.New("storage full"))
	ev := waitEvent(t, ctrl, camera.EventRecordingFailed)
	if !errors.Is(ev.Err, camera.ErrRecordingFailed) {
		t.Fatalf("err = %v, want ErrRecordingFailed", ev.Err)
	}

	// binding is free again
	if err := ctrl.Rebind(t.Context(), camera.LensFront, false); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventBound)
}

func TestRebindWhileRecording(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventRecordingStarted)

	err := ctrl.Rebind(t.Context(), camera.LensFront, false)
	if !errors.Is(err, camera.ErrRebindConflict) {
		t.Fatalf("err = %v, want ErrRebindConflict", err)
	}

	st := state(t, ctrl)
	if st.Facing != camera.LensBack || st.Recording != camera.RecordingActive {
		t.Fatalf("unexpected state %+v", st)
	}
	if p.Binds() != 1 || p.Unbinds() != 0 {
		t.Fatalf("binds %d unbinds %d, want 1 and 0", p.Binds(), p.Unbinds())
	}
	if p.Video.Last().Stops() != 0 {
		t.Fatal("recording was stopped by rebind")
	}
}

func TestCaptureWhileRecording(t *testing.T) {
	p := camtest.NewProvider()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.CapturePhoto(t.Context()); !errors.Is(err, camera.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	// flash is plain configuration and stays available
	if err := ctrl.SetFlash(t.Context(), true); err != nil {
		t.Fatal(err)
	}
}

func TestFinalizeParkedUntilHardwareResolves(t *testing.T) {
	p := camtest.NewProvider()
	p.Video.HoldStop()
	ctrl := bound(t, p, grantAudio)

	if err := ctrl.StartRecording(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ctrl, camera.EventRecordingStarted)
	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}

	if st := state(t, ctrl); st.Recording != camera.RecordingFinalizing {
		t.Fatalf("recording state %s, want finalizing", st.Recording)
	}
	if err := ctrl.StartRecording(t.Context()); !errors.Is(err, camera.ErrAlreadyRecording) {
		t.Fatalf("err = %v, want ErrAlreadyRecording", err)
	}
	if err := ctrl.Rebind(t.Context(), camera.LensFront, false); !errors.Is(err, camera.ErrRebindConflict) {
		t.Fatalf("err = %v, want ErrRebindConflict", err)
	}
	if err := ctrl.StopRecording(t.Context()); err != nil {
		t.Fatal(err)
	}

	rec := p.Video.Last()
	if rec.Stops() != 1 {
		t.Fatalf("hardware stops = %d, want 1", rec.Stops())
	}
	rec.Finalize(nil)
	waitEvent(t, ctrl, camera.EventRecordingSaved)
}
