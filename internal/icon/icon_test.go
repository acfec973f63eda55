package icon

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notibridge/pkg/logx"
)

type failing struct{ err error }

func (f failing) Load() (image.Image, error) { return nil, f.err }

type panicking struct{}

func (panicking) Load() (image.Image, error) { panic("corrupt handle") }

func solid(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, A: 255})
		}
	}
	return img
}

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img
}

func TestRenderPrimary(t *testing.T) {
	r := NewRenderer(128, logx.Nop())
	b, ok := r.Render(Static{Image: solid(16, 16)}, nil)
	require.True(t, ok)
	assert.Equal(t, 16, decode(t, b).Bounds().Dx())
}

func TestRenderFallsBack(t *testing.T) {
	r := NewRenderer(128, logx.Nop())
	b, ok := r.Render(failing{errors.New("gone")}, Static{Image: solid(8, 4)})
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 8, 4), decode(t, b).Bounds())
}

func TestRenderAbsorbsFailures(t *testing.T) {
	r := NewRenderer(128, logx.Nop())

	_, ok := r.Render(failing{errors.New("gone")}, panicking{})
	assert.False(t, ok)

	_, ok = r.Render(nil, nil)
	assert.False(t, ok)

	var nilRenderer *Renderer
	_, ok = nilRenderer.Render(Static{Image: solid(1, 1)}, nil)
	assert.False(t, ok)
}

func TestRenderDownscalesKeepingAspect(t *testing.T) {
	r := NewRenderer(64, logx.Nop())
	b, ok := r.Render(Static{Image: solid(256, 128)}, nil)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 64, 32), decode(t, b).Bounds())
}

func TestRawImageData(t *testing.T) {
	// 2x1 RGB with a padded row stride.
	raw := Raw{
		Width: 2, Height: 1, RowStride: 8, BitsPerSample: 8, Channels: 3,
		Data: []byte{255, 0, 0, 0, 255, 0, 0, 0},
	}
	img, err := raw.Load()
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, img.At(0, 0))
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, img.At(1, 0))

	_, err = Raw{Width: 2, Height: 2, RowStride: 6, BitsPerSample: 8, Channels: 3, Data: []byte{1, 2, 3}}.Load()
	assert.Error(t, err)

	_, err = Raw{Width: 1, Height: 1, RowStride: 4, BitsPerSample: 8, Channels: 3, HasAlpha: true, Data: make([]byte, 4)}.Load()
	assert.Error(t, err)

	_, err = Raw{}.Load()
	assert.ErrorIs(t, err, ErrNoIcon)
}

func TestThemeLookupAndHint(t *testing.T) {
	root := t.TempDir()
	icons := filepath.Join(root, "icons")
	dir := filepath.Join(icons, "hicolor", "48x48", "apps")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(48, 48)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat.png"), buf.Bytes(), 0o644))

	h := FromHint("chat", []string{icons})
	require.IsType(t, Theme{}, h)
	img, err := h.Load()
	require.NoError(t, err)
	assert.Equal(t, 48, img.Bounds().Dx())

	_, err = FromHint("missing", []string{icons}).Load()
	assert.ErrorIs(t, err, ErrNoIcon)

	assert.Equal(t, File{Path: "/tmp/x.png"}, FromHint("file:///tmp/x.png", nil))
	assert.Equal(t, File{Path: "/tmp/x.png"}, FromHint("/tmp/x.png", nil))
	assert.Nil(t, FromHint("  ", nil))
}
