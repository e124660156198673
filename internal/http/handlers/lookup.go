package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/av1arr/internal/quality"
)

// LookupHandler serves the encoder quality tables so workers always use
// the master's current tables instead of shipping their own.
type LookupHandler struct {
	lookup *quality.Lookup
}

// NewLookupHandler creates the lookup-table handler.
func NewLookupHandler(lookup *quality.Lookup) *LookupHandler {
	return &LookupHandler{lookup: lookup}
}

// VideoTableOutput is the CRF table response.
type VideoTableOutput struct {
	Body quality.VideoTable
}

// AudioTableOutput is the Opus bitrate table response.
type AudioTableOutput struct {
	Body quality.AudioTable
}

// Register registers the lookup routes with the API.
func (h *LookupHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getVideoLookup",
		Method:      "GET",
		Path:        "/api/config/quality_lookup.json",
		Summary:     "Video CRF lookup table",
		Tags:        []string{"Config"},
	}, h.VideoTable)

	huma.Register(api, huma.Operation{
		OperationID: "getAudioLookup",
		Method:      "GET",
		Path:        "/api/config/audio_codec_lookup.json",
		Summary:     "Audio Opus bitrate lookup table",
		Tags:        []string{"Config"},
	}, h.AudioTable)
}

// VideoTable returns the CRF table.
func (h *LookupHandler) VideoTable(ctx context.Context, _ *struct{}) (*VideoTableOutput, error) {
	return &VideoTableOutput{Body: h.lookup.Video()}, nil
}

// AudioTable returns the Opus bitrate table.
func (h *LookupHandler) AudioTable(ctx context.Context, _ *struct{}) (*AudioTableOutput, error) {
	return &AudioTableOutput{Body: h.lookup.Audio()}, nil
}
