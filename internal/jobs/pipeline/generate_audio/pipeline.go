package generate_audio

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	sentenceIDs, ok := jc.PayloadUUIDList("sentence_ids")
	if !ok || len(sentenceIDs) == 0 {
		jc.FailPermanent("validate", fmt.Errorf("missing sentence_ids"))
		return nil
	}
	apiKeyID, ok := jc.PayloadUUID("api_key_id")
	if !ok || apiKeyID == uuid.Nil {
		jc.FailPermanent("validate", fmt.Errorf("missing api_key_id"))
		return nil
	}
	voice, _ := jc.PayloadString("voice")
	speed, _ := jc.Payload()["speed"].(float64)

	stop := stage.KeepAlive(jc)
	defer stop()

	jc.Progress("audio", 2, "Synthesizing narration")
	out, err := stage.GenerateAudio(jc.Ctx, p.deps, stage.AudioInput{
		SentenceIDs: sentenceIDs,
		APIKeyID:    apiKeyID,
		UserID:      jc.Run.UserID,
		Voice:       voice,
		Speed:       speed,
		OnProgress: func(done, total int) {
			jc.Progress("audio", 2+done*93/total, fmt.Sprintf("Narrated %d/%d sentences", done, total))
		},
	})
	stop()
	if err != nil {
		stage.Report(jc, "audio", err)
		return nil
	}

	jc.Succeed("done", map[string]any{
		"chapter_id":       out.ChapterID.String(),
		"sentences_total":  out.Total,
		"sentences_done":   out.Succeeded,
		"sentences_failed": out.Failed,
		"chapter_advanced": out.ChapterAdvanced,
	})
	return nil
}
