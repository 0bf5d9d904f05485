package media

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
	"github.com/chaptercast/chaptercast-backend/internal/transcribe"
)

// SynthesisInput carries one sentence through clip production. Correct
// is nil when the task has no API key; subtitle correction is skipped
// and the raw transcript is rendered.
type SynthesisInput struct {
	Sentence *domain.Sentence
	WorkDir  string
	Settings domain.GenerationSettings
	Correct  subtitle.ChatFunc
}

// SentenceSynthesizer produces one narrated, subtitled MP4 clip for one
// sentence inside the caller's working directory.
type SentenceSynthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (clipPath string, err error)
}

type sentenceSynthesizer struct {
	log         *logger.Logger
	resolver    *materials.Resolver
	transcriber transcribe.Transcriber
	tools       Tools
	compositor  Compositor
}

func NewSentenceSynthesizer(
	resolver *materials.Resolver,
	transcriber transcribe.Transcriber,
	tools Tools,
	compositor Compositor,
	logg *logger.Logger,
) SentenceSynthesizer {
	return &sentenceSynthesizer{
		log:         logg.With("component", "SentenceSynthesizer"),
		resolver:    resolver,
		transcriber: transcriber,
		tools:       tools,
		compositor:  compositor,
	}
}

func (s *sentenceSynthesizer) Synthesize(ctx context.Context, in SynthesisInput) (string, error) {
	sen := in.Sentence
	if sen == nil {
		return "", apierr.Validation("media.synthesize", "sentence required")
	}
	if sen.ImageURL == "" || sen.AudioURL == "" {
		return "", apierr.BusinessRule("media.synthesize",
			fmt.Sprintf("sentence %s is missing generated image or audio", sen.ID))
	}

	imagePath, err := s.resolver.Fetch(ctx, sen.ImageURL, in.WorkDir)
	if err != nil {
		return "", err
	}
	audioPath, err := s.resolver.Fetch(ctx, sen.AudioURL, in.WorkDir)
	if err != nil {
		return "", err
	}

	duration, err := s.tools.ProbeDuration(ctx, audioPath)
	if err != nil {
		return "", apierr.Internal("media.synthesize", err)
	}

	transcript, err := s.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return "", err
	}
	if transcript.Duration == 0 {
		transcript.Duration = duration
	}
	if in.Correct != nil {
		transcript = subtitle.NewCorrector(in.Correct, s.log).Correct(ctx, transcript, sen.Content)
	}

	w, h, err := in.Settings.Size()
	if err != nil {
		return "", apierr.Validation("media.synthesize", err.Error())
	}
	overlays := subtitle.Render(transcript, w, h, in.Settings.Subtitle.FontSize)

	clipPath := filepath.Join(in.WorkDir, fmt.Sprintf("clip_%04d.mp4", sen.OrderIndex))
	if err := s.compositor.ComposeClip(ctx, ClipSpec{
		ImagePath:     imagePath,
		AudioPath:     audioPath,
		AudioDuration: duration,
		Overlays:      overlays,
		Settings:      in.Settings,
		OutPath:       clipPath,
	}); err != nil {
		return "", err
	}

	s.log.Debug("sentence clip composed",
		"sentence_id", sen.ID,
		"order_index", sen.OrderIndex,
		"duration", duration,
		"overlays", len(overlays),
	)
	return clipPath, nil
}
