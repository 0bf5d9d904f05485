package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/datatypes"
)

// SubtitleStyle configures drawn subtitles.
type SubtitleStyle struct {
	Font     string `json:"font"`
	FontSize int    `json:"font_size"`
	Color    string `json:"color"`
	Position string `json:"position"`
}

// GenerationSettings is the VideoTask configuration bag.
type GenerationSettings struct {
	Resolution   string        `json:"resolution"`
	FPS          int           `json:"fps"`
	VideoCodec   string        `json:"video_codec"`
	AudioCodec   string        `json:"audio_codec"`
	AudioBitrate string        `json:"audio_bitrate"`
	ZoomSpeed    float64       `json:"zoom_speed"`
	Subtitle     SubtitleStyle `json:"subtitle_style"`
	LLMModel     string        `json:"llm_model,omitempty"`
}

// DefaultGenerationSettings returns the documented defaults.
func DefaultGenerationSettings() GenerationSettings {
	return GenerationSettings{
		Resolution:   "1920x1080",
		FPS:          25,
		VideoCodec:   "libx264",
		AudioCodec:   "aac",
		AudioBitrate: "192k",
		ZoomSpeed:    0.0005,
		Subtitle: SubtitleStyle{
			Font:     "Arial",
			FontSize: 48,
			Color:    "white",
			Position: "bottom",
		},
	}
}

// ParseGenerationSettings decodes raw settings over the defaults, so a
// partial JSON object only overrides the fields it names.
func ParseGenerationSettings(raw datatypes.JSON) (GenerationSettings, error) {
	gs := DefaultGenerationSettings()
	if len(raw) == 0 {
		return gs, nil
	}
	if err := json.Unmarshal(raw, &gs); err != nil {
		return gs, fmt.Errorf("decode generation_settings: %w", err)
	}
	if gs.Resolution == "" {
		gs.Resolution = "1920x1080"
	}
	if gs.FPS <= 0 {
		gs.FPS = 25
	}
	if gs.ZoomSpeed <= 0 {
		gs.ZoomSpeed = 0.0005
	}
	if gs.Subtitle.FontSize <= 0 {
		gs.Subtitle.FontSize = 48
	}
	if _, _, err := gs.Size(); err != nil {
		return gs, err
	}
	return gs, nil
}

// Size parses the "WxH" resolution.
func (gs GenerationSettings) Size() (w, h int, err error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(gs.Resolution)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", gs.Resolution)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", gs.Resolution)
	}
	return w, h, nil
}

// Portrait reports whether height exceeds width.
func (gs GenerationSettings) Portrait() bool {
	w, h, err := gs.Size()
	return err == nil && h > w
}

// JSON encodes the settings for persistence.
func (gs GenerationSettings) JSON() (datatypes.JSON, error) {
	b, err := json.Marshal(gs)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
