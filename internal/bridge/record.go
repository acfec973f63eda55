package bridge

import (
	"encoding/base64"
	"fmt"
	"time"

	"notibridge/internal/source"
)

// Record is an immutable snapshot of a notification taken when the bridge
// observed it. A new posting of the same identity yields a new Record.
type Record struct {
	source.Identity

	AppName    string
	Title      string
	Body       string
	Extras     map[string]string
	Icon       []byte // PNG, nil when no icon could be rendered
	ObservedAt time.Time
}

// Wire renders the record in the consumer's map shape. Tag and iconData are
// null when absent; extras are flattened as extra_<key>.
func (r Record) Wire() map[string]any {
	m := make(map[string]any, 10+len(r.Extras))
	for k, v := range r.Extras {
		m["extra_"+k] = v
	}
	m["sourceApplicationId"] = r.AppID
	m["appName"] = r.AppName
	m["title"] = r.Title
	m["body"] = r.Body
	m["id"] = r.ID
	m["key"] = r.Key
	m["timestamp"] = r.ObservedAt.UnixMilli()
	if r.Tag != "" {
		m["tag"] = r.Tag
	} else {
		m["tag"] = nil
	}
	if len(r.Icon) > 0 {
		m["iconData"] = base64.StdEncoding.EncodeToString(r.Icon)
	} else {
		m["iconData"] = nil
	}
	return m
}

// stringify copies extras as strings, skipping nil values.
func stringify(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			out[k] = x
		case []byte:
			out[k] = string(x)
		case fmt.Stringer:
			out[k] = x.String()
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}
