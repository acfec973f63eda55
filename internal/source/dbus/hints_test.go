package dbus

import (
	"testing"

	godbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/icon"
)

func notifyBody(hints map[string]godbus.Variant) []any {
	return []any{
		"Chat", uint32(0), "chat-icon", "Alice", "lunch?",
		[]string{"default", "Open"},
		hints,
		int32(5000),
	}
}

func TestDecodeNotify(t *testing.T) {
	pixels := []any{int32(1), int32(1), int32(4), true, int32(8), int32(4), []byte{255, 0, 0, 255}}
	c, err := decodeNotify(notifyBody(map[string]godbus.Variant{
		"urgency":    godbus.MakeVariant(byte(2)),
		"image-data": godbus.MakeVariant(pixels),
		"category":   godbus.MakeVariant("im.received"),
	}))
	require.NoError(t, err)

	assert.Equal(t, "Chat", c.AppName)
	assert.Equal(t, "chat-icon", c.AppIcon)
	assert.Equal(t, "Alice", c.Summary)
	assert.Equal(t, "lunch?", c.Body)
	assert.Equal(t, []string{"default", "Open"}, c.Actions)
	assert.Equal(t, int32(5000), c.Expire)

	extras := extrasFromHints(c)
	assert.Equal(t, "im.received", extras["category"])
	assert.Equal(t, byte(2), extras["urgency"])
	assert.Equal(t, "default", extras["actions"])
	assert.Equal(t, int32(5000), extras["expireTimeout"])
	assert.NotContains(t, extras, "image-data")

	h := iconFromHints(c.Hints, nil)
	raw, ok := h.(icon.Raw)
	require.True(t, ok)
	assert.Equal(t, int32(1), raw.Width)
	assert.True(t, raw.HasAlpha)
	img, err := raw.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, img.Bounds().Dx())
}

func TestDecodeNotifyRejectsMalformed(t *testing.T) {
	_, err := decodeNotify([]any{"only", "two"})
	assert.Error(t, err)

	body := notifyBody(nil)
	body[6] = "not a map"
	_, err = decodeNotify(body)
	assert.Error(t, err)
}

func TestIconFromPathHint(t *testing.T) {
	h := iconFromHints(map[string]any{"image-path": "/tmp/pic.png"}, nil)
	assert.Equal(t, icon.File{Path: "/tmp/pic.png"}, h)

	_, err := rawImage([]any{int32(1)})
	assert.ErrorIs(t, err, errNotImageData)
	assert.Nil(t, iconFromHints(map[string]any{}, nil))
}

func TestActionKeys(t *testing.T) {
	actions := []string{"default", "Open", "reply", "Reply", "dangling"}
	assert.Equal(t, []string{"default", "reply"}, actionKeys(actions))
	assert.True(t, hasAction(actions, "reply"))
	assert.False(t, hasAction(actions, "dangling"))
}
