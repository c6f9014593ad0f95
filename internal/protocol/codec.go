package protocol

import (
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
)

// Message is the result of decoding a payload: either Response or
// ResponseError.
type Message interface {
	Target() string
}

// Encode serialises a request or stop request into one JSON object.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode tries every known response shape against data, in order: success
// first, then error. It returns nil when no shape matches, which happens for
// traffic that belongs to another conversation on the same channel.
func Decode(data []byte) Message {
	if resp, ok := decodeResponse(data); ok {
		return resp
	}
	if resp, ok := decodeResponseError(data); ok {
		return resp
	}
	return nil
}

// decodeResponse requires every non-optional field of Response to be present.
func decodeResponse(data []byte) (Response, bool) {
	var probe struct {
		ForURL   *string `json:"forURL"`
		Path     *string `json:"path"`
		OldBytes *int64  `json:"oldBytes"`
		NewBytes *int64  `json:"newBytes"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Response{}, false
	}
	if probe.ForURL == nil || probe.Path == nil || probe.OldBytes == nil || probe.NewBytes == nil {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func decodeResponseError(data []byte) (ResponseError, bool) {
	var probe struct {
		ForURL *string `json:"forURL"`
		Error  *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ResponseError{}, false
	}
	if probe.ForURL == nil || probe.Error == nil {
		return ResponseError{}, false
	}

	var resp ResponseError
	if err := json.Unmarshal(data, &resp); err != nil {
		return ResponseError{}, false
	}
	return resp, true
}

// WireURL converts a job target into the form sent on the wire: local paths
// become file:// URLs, remote URLs are passed through.
func WireURL(target string) string {
	if IsRemote(target) {
		return target
	}
	return (&url.URL{Scheme: "file", Path: target}).String()
}

// TargetKey converts a wire URL back into the job target it was built from.
// file:// URLs map to their path; anything else is returned unchanged.
func TargetKey(wire string) string {
	if !strings.HasPrefix(wire, "file:") {
		return wire
	}
	u, err := url.Parse(wire)
	if err != nil || u.Path == "" {
		return wire
	}
	return filepath.Clean(u.Path)
}

// IsRemote reports whether target is a URL with a non-file scheme.
func IsRemote(target string) bool {
	if !strings.Contains(target, ":") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Scheme != "file" && len(u.Scheme) > 1
}
