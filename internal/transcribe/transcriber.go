package transcribe

import (
	"context"
	"fmt"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

// Transcriber turns one local audio file into a word-aligned transcript.
// Implementations run on platform credentials, never on user API keys.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (subtitle.Transcript, error)
	Close() error
}

// New selects the configured recognizer backend.
func New(cfg config.Config, logg *logger.Logger) (Transcriber, error) {
	switch cfg.TranscriberProvider {
	case "", "google":
		return NewGoogle(cfg, logg)
	case "whisper":
		return NewWhisper(cfg, logg)
	default:
		return nil, fmt.Errorf("unknown TRANSCRIBER_PROVIDER %q", cfg.TranscriberProvider)
	}
}
