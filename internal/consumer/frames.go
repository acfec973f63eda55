package consumer

import (
	"encoding/json"
	"errors"

	"notibridge/internal/bridge"
)

// Event names pushed to consumers.
const (
	EventReceived = "notificationReceived"
	EventRemoved  = "notificationRemoved"
)

// Request is an inbound command frame.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of result and error is written.
type Response struct {
	ID     json.RawMessage
	Result any
	Error  *WireError
}

func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(struct {
			ID    json.RawMessage `json:"id"`
			Error *WireError      `json:"error"`
		}{id, r.Error})
	}
	return json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Result any             `json:"result"`
	}{id, r.Result})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *WireError      `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.ID, r.Error = raw.ID, raw.Error
	r.Result = nil
	if len(raw.Result) > 0 && string(raw.Result) != "null" {
		var v any
		if err := json.Unmarshal(raw.Result, &v); err != nil {
			return err
		}
		r.Result = v
	}
	return nil
}

// WireError is the error member of a response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// WireErrorOf converts err to its wire form.
func WireErrorOf(err error) *WireError {
	if err == nil {
		return nil
	}
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	return &WireError{Code: Code(err), Message: err.Error()}
}

// InvalidFrame reports an unparseable inbound frame.
func InvalidFrame(err error) Response {
	return Response{Error: WireErrorOf(&bridge.Error{Kind: bridge.KindInvalidArgument, Op: "frame", Err: err})}
}

// Event is an outbound push.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}
