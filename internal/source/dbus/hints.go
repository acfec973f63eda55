package dbus

import (
	"errors"
	"fmt"
	"strings"

	godbus "github.com/godbus/dbus/v5"

	"notibridge/internal/icon"
)

// Hint names that carry pixel data; they are rendered, not copied to extras.
var imageHints = []string{"image-data", "image_data", "icon_data"}

var pathHints = []string{"image-path", "image_path"}

// decodeNotify parses the body of a Notify call:
// (susssasa{sv}i) app_name, replaces_id, app_icon, summary, body, actions,
// hints, expire_timeout.
func decodeNotify(body []any) (notifyCall, error) {
	var c notifyCall
	if len(body) != 8 {
		return c, fmt.Errorf("notify: %d arguments", len(body))
	}
	hints, ok := body[6].(map[string]godbus.Variant)
	if !ok {
		return c, fmt.Errorf("notify: hints have type %T", body[6])
	}
	err := godbus.Store(append(body[:6:6], body[7]), &c.AppName, &c.ReplacesID, &c.AppIcon, &c.Summary, &c.Body, &c.Actions, &c.Expire)
	if err != nil {
		return c, fmt.Errorf("notify: %w", err)
	}
	c.Hints = make(map[string]any, len(hints))
	for k, v := range hints {
		c.Hints[k] = v.Value()
	}
	return c, nil
}

func extrasFromHints(c notifyCall) map[string]any {
	out := make(map[string]any, len(c.Hints)+2)
	for k, v := range c.Hints {
		if isImageHint(k) {
			continue
		}
		if _, isBytes := v.([]byte); isBytes {
			continue
		}
		out[k] = v
	}
	if len(c.Actions) > 0 {
		out["actions"] = strings.Join(actionKeys(c.Actions), ",")
	}
	out["expireTimeout"] = c.Expire
	return out
}

func isImageHint(k string) bool {
	for _, h := range imageHints {
		if k == h {
			return true
		}
	}
	return false
}

// actionKeys returns the action identifiers from the flat
// [key, label, key, label...] list.
func actionKeys(actions []string) []string {
	keys := make([]string, 0, len(actions)/2)
	for i := 0; i+1 < len(actions); i += 2 {
		keys = append(keys, actions[i])
	}
	return keys
}

func hasAction(actions []string, key string) bool {
	for _, k := range actionKeys(actions) {
		if k == key {
			return true
		}
	}
	return false
}

// iconFromHints prefers raw pixel data, then an image path. The app_icon
// argument is handled separately as the fallback.
func iconFromHints(hints map[string]any, themeDirs []string) icon.Handle {
	for _, k := range imageHints {
		if v, ok := hints[k]; ok {
			if raw, err := rawImage(v); err == nil {
				return raw
			}
		}
	}
	for _, k := range pathHints {
		if s, ok := hints[k].(string); ok && s != "" {
			return icon.FromHint(s, themeDirs)
		}
	}
	return nil
}

var errNotImageData = errors.New("hint is not (iiibiiay)")

func rawImage(v any) (icon.Raw, error) {
	fields, ok := v.([]any)
	if !ok || len(fields) != 7 {
		return icon.Raw{}, errNotImageData
	}
	var r icon.Raw
	err := godbus.Store(fields, &r.Width, &r.Height, &r.RowStride, &r.HasAlpha, &r.BitsPerSample, &r.Channels, &r.Data)
	if err != nil {
		return icon.Raw{}, fmt.Errorf("%w: %v", errNotImageData, err)
	}
	return r, nil
}
