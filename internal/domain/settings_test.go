package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestParseGenerationSettingsDefaults(t *testing.T) {
	gs, err := ParseGenerationSettings(nil)
	require.NoError(t, err)

	assert.Equal(t, "1920x1080", gs.Resolution)
	assert.Equal(t, 25, gs.FPS)
	assert.Equal(t, "libx264", gs.VideoCodec)
	assert.Equal(t, "aac", gs.AudioCodec)
	assert.Equal(t, "192k", gs.AudioBitrate)
	assert.InDelta(t, 0.0005, gs.ZoomSpeed, 1e-9)
	assert.Equal(t, SubtitleStyle{Font: "Arial", FontSize: 48, Color: "white", Position: "bottom"}, gs.Subtitle)
}

func TestParseGenerationSettingsPartialOverride(t *testing.T) {
	raw := datatypes.JSON(`{"resolution":"1080x1920","fps":30}`)
	gs, err := ParseGenerationSettings(raw)
	require.NoError(t, err)

	assert.Equal(t, 30, gs.FPS)
	assert.True(t, gs.Portrait())
	w, h, err := gs.Size()
	require.NoError(t, err)
	assert.Equal(t, 1080, w)
	assert.Equal(t, 1920, h)

	// untouched fields keep their defaults
	assert.Equal(t, "libx264", gs.VideoCodec)
	assert.Equal(t, 48, gs.Subtitle.FontSize)
}

func TestParseGenerationSettingsBadResolution(t *testing.T) {
	_, err := ParseGenerationSettings(datatypes.JSON(`{"resolution":"huge"}`))
	require.Error(t, err)
}

func TestChapterStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ChapterStatus
		ok       bool
	}{
		{ChapterStatusPending, ChapterStatusConfirmed, true},
		{ChapterStatusConfirmed, ChapterStatusGeneratingPrompts, true},
		{ChapterStatusGeneratingPrompts, ChapterStatusGeneratedPrompts, true},
		{ChapterStatusGeneratedPrompts, ChapterStatusMaterialsPrepared, true},
		{ChapterStatusMaterialsPrepared, ChapterStatusGeneratingVideo, true},
		{ChapterStatusGeneratingVideo, ChapterStatusCompleted, true},
		{ChapterStatusConfirmed, ChapterStatusMaterialsPrepared, true},

		// never backward
		{ChapterStatusCompleted, ChapterStatusGeneratingPrompts, false},
		{ChapterStatusMaterialsPrepared, ChapterStatusConfirmed, false},
		{ChapterStatusConfirmed, ChapterStatusConfirmed, false},

		// failed is reachable from anywhere and resets to pending only
		{ChapterStatusGeneratingVideo, ChapterStatusFailed, true},
		{ChapterStatusFailed, ChapterStatusPending, true},
		{ChapterStatusFailed, ChapterStatusConfirmed, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, CanTransitionChapter(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestVideoTaskCanResume(t *testing.T) {
	idx := 5
	task := &VideoTask{Status: VideoTaskStatusFailed, CurrentSentenceIndex: &idx}
	assert.True(t, task.CanResume())

	task.CurrentSentenceIndex = nil
	assert.False(t, task.CanResume())

	task.CurrentSentenceIndex = &idx
	task.Status = VideoTaskStatusCompleted
	assert.False(t, task.CanResume())
}
