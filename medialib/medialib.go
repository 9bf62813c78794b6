// Package medialib defines the media picker boundary and a client for a
// remote media library.
package medialib

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPhoto, KindVideo, KindAudio:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

type Item struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Picker selects one item of the given kinds. It returns nil without error
// when there is nothing to pick.
type Picker interface {
	Pick(ctx context.Context, kinds ...Kind) (*Item, error)
}
