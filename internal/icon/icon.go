// Package icon turns platform icon handles into PNG bytes for the consumer.
//
// Rendering never fails loudly: a handle that cannot be loaded, decoded or
// encoded yields "no icon" and a debug log line.
package icon

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	logx "notibridge/pkg/logx"
)

// ErrNoIcon is returned by handles that carry nothing to render.
var ErrNoIcon = errors.New("icon: empty handle")

// Handle is an opaque reference to an icon owned by the event source.
type Handle interface {
	Load() (image.Image, error)
}

// Static wraps an already decoded image.
type Static struct {
	Image image.Image
}

func (s Static) Load() (image.Image, error) {
	if s.Image == nil {
		return nil, ErrNoIcon
	}
	return s.Image, nil
}

// File is an icon stored on disk in any registered format (png, jpeg, gif,
// bmp, webp).
type File struct {
	Path string
}

func (f File) Load() (image.Image, error) {
	if f.Path == "" {
		return nil, ErrNoIcon
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return img, nil
}

// Raw is a freedesktop "image-data" hint: (iiibiiay) width, height,
// rowstride, has_alpha, bits_per_sample, channels, data.
type Raw struct {
	Width         int32
	Height        int32
	RowStride     int32
	HasAlpha      bool
	BitsPerSample int32
	Channels      int32
	Data          []byte
}

func (r Raw) Load() (image.Image, error) {
	if r.Width <= 0 || r.Height <= 0 || len(r.Data) == 0 {
		return nil, ErrNoIcon
	}
	if r.BitsPerSample != 8 {
		return nil, fmt.Errorf("icon: unsupported bits per sample %d", r.BitsPerSample)
	}
	want := int32(3)
	if r.HasAlpha {
		want = 4
	}
	if r.Channels != want {
		return nil, fmt.Errorf("icon: %d channels with has_alpha=%t", r.Channels, r.HasAlpha)
	}
	last := int(r.RowStride)*int(r.Height-1) + int(r.Width)*int(r.Channels)
	if r.RowStride < r.Width*r.Channels || len(r.Data) < last {
		return nil, fmt.Errorf("icon: short pixel buffer (%d bytes)", len(r.Data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(r.Width), int(r.Height)))
	for y := 0; y < int(r.Height); y++ {
		row := r.Data[y*int(r.RowStride):]
		for x := 0; x < int(r.Width); x++ {
			p := row[x*int(r.Channels):]
			a := uint8(0xff)
			if r.HasAlpha {
				a = p[3]
			}
			img.SetNRGBA(x, y, color.NRGBA{R: p[0], G: p[1], B: p[2], A: a})
		}
	}
	return img, nil
}

// Renderer rasterizes handles into PNG, downscaling anything larger than
// MaxSize on its longest side.
type Renderer struct {
	maxSize int
	log     logx.Logger
}

func NewRenderer(maxSize int, log logx.Logger) *Renderer {
	return &Renderer{maxSize: maxSize, log: log}
}

// Render tries primary, then fallback. ok is false when neither produced an
// image.
func (r *Renderer) Render(primary, fallback Handle) (data []byte, ok bool) {
	if r == nil {
		return nil, false
	}
	for i, h := range []Handle{primary, fallback} {
		if h == nil {
			continue
		}
		b, err := r.renderOne(h)
		if err == nil {
			return b, true
		}
		if !errors.Is(err, ErrNoIcon) {
			r.log.Debug("icon render failed", logx.Int("candidate", i), logx.Err(err))
		}
	}
	return nil, false
}

func (r *Renderer) renderOne(h Handle) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("icon: panic: %v", p)
		}
	}()

	img, err := h.Load()
	if err != nil {
		return nil, err
	}
	img = r.scale(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("icon: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) scale(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if r.maxSize <= 0 || (w <= r.maxSize && h <= r.maxSize) {
		return src
	}
	nw, nh := r.maxSize, r.maxSize
	if w > h {
		nh = max(1, h*r.maxSize/w)
	} else {
		nw = max(1, w*r.maxSize/h)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
