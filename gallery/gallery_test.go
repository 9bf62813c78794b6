package gallery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tuzkov/camscreen/medialib"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(nil, filepath.Join(t.TempDir(), "db", "gallery.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndPick(t *testing.T) {
	s := openStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	photo, err := s.Add(t.Context(), medialib.Item{
		Kind:      medialib.KindPhoto,
		Location:  "/out/1.jpg",
		CreatedAt: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	if photo.ID == "" || photo.Name != "1.jpg" {
		t.Fatalf("defaults not filled: %+v", photo)
	}

	if _, err := s.Add(t.Context(), medialib.Item{
		Kind:      medialib.KindVideo,
		Location:  "/out/2.mp4",
		CreatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	item, err := s.Pick(t.Context(), medialib.KindPhoto, medialib.KindVideo)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.Location != "/out/2.mp4" {
		t.Fatalf("picked %+v, want newest video", item)
	}

	item, err = s.Pick(t.Context(), medialib.KindPhoto)
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != photo.ID || !item.CreatedAt.Equal(base) {
		t.Fatalf("picked %+v, want %+v", item, photo)
	}

	item, err = s.Pick(t.Context(), medialib.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("picked %+v, want nothing", item)
	}
}

func TestList(t *testing.T) {
	s := openStore(t)

	for i := range 5 {
		if _, err := s.Add(t.Context(), medialib.Item{
			Kind:      medialib.KindPhoto,
			Location:  filepath.Join("/out", time.Duration(i).String()),
			CreatedAt: time.UnixMilli(int64(i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(t.Context(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("items = %d, want 5", len(all))
	}

	limited, err := s.List(t.Context(), 2, medialib.KindPhoto)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].CreatedAt.UnixMilli() != 4 {
		t.Fatalf("unexpected items %+v", limited)
	}
}
