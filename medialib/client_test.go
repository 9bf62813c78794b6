package medialib

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cli, err := NewClient(log, &LibraryConfig{
		Address:  strings.TrimPrefix(srv.URL, "http://"),
		Username: "maker",
		ApiKey:   "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cli
}

func TestPickNewest(t *testing.T) {
	var calls atomic.Int32
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/media" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query()["kind"]; len(got) != 1 || got[0] != "audio" {
			t.Errorf("unexpected kinds %v", got)
		}
		w.Write([]byte(`{"items":[
			{"id":"a","kind":"audio","name":"old.mp3","url":"http://lib/a","created":100},
			{"id":"b","kind":"audio","name":"new.mp3","url":"http://lib/b","created":200}
		]}`))
	})

	item, err := cli.Pick(t.Context(), KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != "b" || item.Location != "http://lib/b" {
		t.Fatalf("unexpected item %+v", item)
	}

	// served from cache
	if _, err := cli.Pick(t.Context(), KindAudio); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("requests = %d, want 1", calls.Load())
	}
}

func TestPickEmptyLibrary(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	item, err := cli.Pick(t.Context(), KindPhoto, KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("picked %+v from empty library", item)
	}
}

func TestListServerError(t *testing.T) {
	cli := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := cli.List(t.Context(), KindAudio); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(nil, nil); err == nil {
		t.Fatal("nil config accepted")
	}
	if _, err := NewClient(nil, &LibraryConfig{}); err == nil {
		t.Fatal("empty address accepted")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("video"); err != nil || k != KindVideo {
		t.Fatalf("ParseKind(video) = %q, %v", k, err)
	}
	if _, err := ParseKind("hologram"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}
