// Package protocol defines the JSON messages exchanged with the background
// optimiser and the codec that turns raw channel payloads back into them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// SourceCLI tags requests submitted from the command line.
const SourceCLI = "cli"

// Request is one optimisation batch. It is built once and encoded once.
type Request struct {
	ID                        string    `json:"id"`
	URLs                      []string  `json:"urls"`
	Size                      *CropSize `json:"size,omitempty"`
	DownscaleFactor           *float64  `json:"downscaleFactor,omitempty"`
	ChangePlaybackSpeedFactor *float64  `json:"changePlaybackSpeedFactor,omitempty"`
	HideFloatingResult        bool      `json:"hideFloatingResult"`
	CopyToClipboard           bool      `json:"copyToClipboard"`
	AggressiveOptimisation    bool      `json:"aggressiveOptimisation"`
	Source                    string    `json:"source"`
}

// StopRequest asks the background process to cancel the listed jobs.
// No reply is expected.
type StopRequest struct {
	IDs    []string `json:"ids"`
	Remove bool     `json:"remove"`
}

// Dimensions is a width/height pair, encoded as a two element array.
type Dimensions struct {
	Width  float64
	Height float64
}

// MarshalJSON encodes d as [width, height].
func (d Dimensions) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{d.Width, d.Height})
}

// UnmarshalJSON accepts [width, height] or {"width": w, "height": h}.
func (d *Dimensions) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err == nil {
		d.Width, d.Height = pair[0], pair[1]
		return nil
	}

	var obj struct {
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("dimensions: %w", err)
	}
	if obj.Width == nil || obj.Height == nil {
		return fmt.Errorf("dimensions: width and height are required")
	}
	d.Width, d.Height = *obj.Width, *obj.Height
	return nil
}

// Response reports a successfully optimised job.
type Response struct {
	ForURL         string      `json:"forURL"`
	ConvertedFrom  string      `json:"convertedFrom,omitempty"`
	Path           string      `json:"path"`
	OldBytes       int64       `json:"oldBytes"`
	NewBytes       int64       `json:"newBytes"`
	OldWidthHeight *Dimensions `json:"oldWidthHeight,omitempty"`
	NewWidthHeight *Dimensions `json:"newWidthHeight,omitempty"`
}

// Target returns the correlation key of the job this response belongs to.
func (r Response) Target() string { return TargetKey(r.ForURL) }

// ResponseError reports a job the background process could not optimise.
type ResponseError struct {
	ForURL string `json:"forURL"`
	Error  string `json:"error"`
	Notice string `json:"notice,omitempty"`
}

// Target returns the correlation key of the job this error belongs to.
func (r ResponseError) Target() string { return TargetKey(r.ForURL) }

// Result is the final machine-readable outcome of a batch.
type Result struct {
	Done   []Response      `json:"done"`
	Failed []ResponseError `json:"failed"`
}
