package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is one decoded request document.
type Request map[string]any

// Response is one handler result, possibly carrying instrumentation
// fields added by the dispatcher.
type Response map[string]any

var errNotObject = errors.New("request is not a JSON object")

// ErrUnencodable is returned when a response cannot be serialized. Like a
// payload error it concerns one request only.
var ErrUnencodable = errors.New("transport: response is not encodable")

// ParseRequest decodes a complete frame into a Request. Any failure is a
// *PayloadError.
func ParseRequest(raw []byte) (Request, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &PayloadError{Raw: raw, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &PayloadError{Raw: raw, Err: errNotObject}
	}
	return Request(obj), nil
}

// MarshalResponse encodes resp as a single-line JSON document.
func MarshalResponse(resp Response) ([]byte, error) {
	if resp == nil {
		resp = Response{}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}
	return data, nil
}
