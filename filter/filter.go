// Package filter is the preview filter pipeline: a named color filter followed
// by an optional downscale.
package filter

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sort"
	"sync"

	"github.com/nfnt/resize"
)

const (
	None      = "none"
	Sepia     = "sepia"
	Grayscale = "grayscale"
)

type Filter interface {
	Name() string
	Apply(img image.Image) image.Image
}

var filters = map[string]Filter{
	None:      noneFilter{},
	Sepia:     sepiaFilter{},
	Grayscale: grayscaleFilter{},
}

func ByName(name string) (Filter, error) {
	f, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	return f, nil
}

// Names lists the known filters.
func Names() []string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type noneFilter struct{}

func (noneFilter) Name() string                      { return None }
func (noneFilter) Apply(img image.Image) image.Image { return img }

type sepiaFilter struct{}

func (sepiaFilter) Name() string { return Sepia }

func (sepiaFilter) Apply(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			fr, fg, fb := float64(r>>8), float64(g>>8), float64(bl>>8)
			out.Set(x, y, color.RGBA{
				R: clamp(0.393*fr + 0.769*fg + 0.189*fb),
				G: clamp(0.349*fr + 0.686*fg + 0.168*fb),
				B: clamp(0.272*fr + 0.534*fg + 0.131*fb),
				A: uint8(a >> 8),
			})
		}
	}
	return out
}

func clamp(v float64) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v)
}

type grayscaleFilter struct{}

func (grayscaleFilter) Name() string { return Grayscale }

func (grayscaleFilter) Apply(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

type Config struct {
	Name string
	// frames wider than Width are downscaled, 0 keeps the original size
	Width uint
}

type Pipeline struct {
	width uint

	mu     sync.RWMutex
	filter Filter
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	name := cfg.Name
	if name == "" {
		name = None
	}
	f, err := ByName(name)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		width:  cfg.Width,
		filter: f,
	}, nil
}

func (p *Pipeline) SetFilter(name string) error {
	f, err := ByName(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) Filter() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.filter.Name()
}

// Process applies the current filter to a JPEG frame.
func (p *Pipeline) Process(frame []byte) ([]byte, error) {
	p.mu.RLock()
	f := p.filter
	p.mu.RUnlock()

	if f.Name() == None && p.width == 0 {
		return frame, nil
	}

	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("fail to decode frame: %w", err)
	}

	img = f.Apply(img)
	if p.width > 0 && uint(img.Bounds().Dx()) > p.width {
		img = resize.Resize(p.width, 0, img, resize.Bilinear)
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("fail to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
