package parse_document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/parser"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	projectID, ok := jc.PayloadUUID("project_id")
	if !ok || projectID == uuid.Nil {
		jc.FailPermanent("validate", fmt.Errorf("missing project_id"))
		return nil
	}

	stop := stage.KeepAlive(jc)
	defer stop()

	jc.Progress("load", 5, "Loading project")
	project, err := p.projects.GetByID(jc.Ctx, nil, projectID)
	if err != nil {
		stage.Report(jc, "load", err)
		return nil
	}

	switch project.Status {
	case domain.ProjectStatusUploaded:
		swapped, err := p.projects.UpdateStatusCAS(jc.Ctx, nil, project.ID, domain.ProjectStatusUploaded, domain.ProjectStatusParsing)
		if err != nil {
			stage.Report(jc, "load", err)
			return nil
		}
		if !swapped {
			// Another worker grabbed it between the read and the swap.
			jc.Succeed("done", map[string]any{"project_id": project.ID.String(), "skipped": true})
			return nil
		}
	case domain.ProjectStatusParsing:
		// Re-delivered after a crash; run again from scratch.
	case domain.ProjectStatusParsed, domain.ProjectStatusGenerating, domain.ProjectStatusCompleted:
		jc.Succeed("done", map[string]any{"project_id": project.ID.String(), "skipped": true})
		return nil
	default:
		jc.FailPermanent("validate", fmt.Errorf("project %s is %s, nothing to parse", project.ID, project.Status))
		return nil
	}

	jc.Progress("extract", 15, "Extracting text")
	content, err := p.extractText(jc.Ctx, project)
	if err != nil {
		p.markProjectFailed(jc.Ctx, project.ID, err)
		stage.Report(jc, "extract", err)
		return nil
	}
	if jc.CancelRequested() {
		p.rollbackToUploaded(jc.Ctx, project.ID)
		jc.Cancel("extract")
		return nil
	}

	jc.Progress("segment", 40, "Segmenting chapters")
	result, err := parser.Parse(content, parser.Options{MinChapterLength: minChapterLength})
	if err != nil {
		p.markProjectFailed(jc.Ctx, project.ID, err)
		stage.Report(jc, "segment", err)
		return nil
	}
	if jc.CancelRequested() {
		p.rollbackToUploaded(jc.Ctx, project.ID)
		jc.Cancel("segment")
		return nil
	}

	jc.Progress("store", 70, "Writing catalog rows")
	stats, err := p.store(jc.Ctx, project, result)
	if err != nil {
		p.markProjectFailed(jc.Ctx, project.ID, err)
		stage.Report(jc, "store", err)
		return nil
	}

	jc.Succeed("done", map[string]any{
		"project_id": project.ID.String(),
		"chapters":   stats.ChapterCount,
		"paragraphs": stats.ParagraphCount,
		"sentences":  stats.SentenceCount,
		"words":      stats.WordCount,
	})
	return nil
}

func (p *Pipeline) extractText(ctx context.Context, project *domain.Project) (string, error) {
	const op = "parse.extract"
	switch project.FileType {
	case "txt", "md":
		data, err := p.resolver.FetchBytes(ctx, project.FilePath)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case "docx", "epub":
		tmpDir, err := os.MkdirTemp("", "parse-*")
		if err != nil {
			return "", apierr.Internal(op, err)
		}
		defer os.RemoveAll(tmpDir)
		local, err := p.resolver.Fetch(ctx, project.FilePath, tmpDir)
		if err != nil {
			return "", err
		}
		txtPath, err := p.tools.ConvertOfficeToText(ctx, local, tmpDir)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(txtPath)
		if err != nil {
			return "", apierr.Internal(op, err)
		}
		return string(data), nil
	default:
		return "", apierr.Validation(op, fmt.Sprintf("unsupported file type %q", project.FileType))
	}
}

// store wipes any earlier parse of the project and inserts the fresh
// segmentation in one transaction, so a re-delivered run never leaves
// duplicate chapters behind.
func (p *Pipeline) store(ctx context.Context, project *domain.Project, res parser.Result) (domain.ProjectStatistics, error) {
	stats := domain.ProjectStatistics{
		ChapterCount:   len(res.Chapters),
		ParagraphCount: len(res.Paragraphs),
		SentenceCount:  len(res.Sentences),
	}
	for _, c := range res.Chapters {
		stats.WordCount += c.WordCount
	}

	err := p.db.Transaction(func(tx *gorm.DB) error {
		old, err := p.chapters.ListByProject(ctx, tx, project.ID)
		if err != nil {
			return err
		}
		if len(old) > 0 {
			chapterIDs := make([]uuid.UUID, len(old))
			for i, c := range old {
				chapterIDs[i] = c.ID
			}
			var paragraphIDs []uuid.UUID
			for _, c := range old {
				paras, err := p.paragraphs.ListByChapter(ctx, tx, c.ID)
				if err != nil {
					return err
				}
				for _, par := range paras {
					paragraphIDs = append(paragraphIDs, par.ID)
				}
			}
			if err := p.sentences.DeleteByParagraphIDs(ctx, tx, paragraphIDs); err != nil {
				return err
			}
			if err := p.paragraphs.DeleteByChapterIDs(ctx, tx, chapterIDs); err != nil {
				return err
			}
			if err := p.videoTasks.DeleteByChapterIDs(ctx, tx, chapterIDs); err != nil {
				return err
			}
			if err := p.chapters.DeleteByProject(ctx, tx, project.ID); err != nil {
				return err
			}
		}

		chapters := make([]*domain.Chapter, len(res.Chapters))
		for i, c := range res.Chapters {
			chapters[i] = &domain.Chapter{
				ID:             uuid.New(),
				ProjectID:      project.ID,
				Title:          c.Title,
				Content:        c.Content,
				ChapterNumber:  i + 1,
				WordCount:      c.WordCount,
				ParagraphCount: c.ParagraphCount,
				SentenceCount:  c.SentenceCount,
				Status:         domain.ChapterStatusPending,
			}
		}
		if _, err := p.chapters.Create(ctx, tx, chapters); err != nil {
			return err
		}

		paragraphs := make([]*domain.Paragraph, len(res.Paragraphs))
		for i, par := range res.Paragraphs {
			paragraphs[i] = &domain.Paragraph{
				ID:            uuid.New(),
				ChapterID:     chapters[par.ChapterIndex].ID,
				OrderIndex:    par.OrderIndex,
				Content:       par.Content,
				WordCount:     par.WordCount,
				SentenceCount: par.SentenceCount,
				Action:        domain.ParagraphActionKeep,
			}
		}
		if _, err := p.paragraphs.Create(ctx, tx, paragraphs); err != nil {
			return err
		}

		sentences := make([]*domain.Sentence, len(res.Sentences))
		for i, s := range res.Sentences {
			sentences[i] = &domain.Sentence{
				ID:             uuid.New(),
				ParagraphID:    paragraphs[s.ParagraphIndex].ID,
				OrderIndex:     s.OrderIndex,
				Content:        s.Content,
				WordCount:      s.WordCount,
				CharacterCount: s.CharacterCount,
				VoiceSpeed:     1,
				Status:         domain.SentenceStatusPending,
			}
		}
		if _, err := p.sentences.Create(ctx, tx, sentences); err != nil {
			return err
		}

		swapped, err := p.projects.UpdateStatusCAS(ctx, tx, project.ID, domain.ProjectStatusParsing, domain.ProjectStatusParsed)
		if err != nil {
			return err
		}
		if !swapped {
			return apierr.BusinessRule("parse.store", fmt.Sprintf("project %s left the parsing state mid-run", project.ID))
		}
		statsJSON, err := json.Marshal(stats)
		if err != nil {
			return apierr.Internal("parse.store", err)
		}
		return p.projects.UpdateFields(ctx, tx, project.ID, map[string]interface{}{
			"statistics":          statsJSON,
			"processing_progress": 100,
			"error_message":       "",
		})
	})
	if err != nil {
		return domain.ProjectStatistics{}, err
	}
	return stats, nil
}

func (p *Pipeline) markProjectFailed(ctx context.Context, projectID uuid.UUID, cause error) {
	now := time.Now()
	err := p.projects.UpdateFields(ctx, nil, projectID, map[string]interface{}{
		"status":        domain.ProjectStatusFailed,
		"error_message": cause.Error(),
		"updated_at":    now,
	})
	if err != nil {
		p.log.Warn("mark project failed", "project_id", projectID, "error", err)
	}
}

func (p *Pipeline) rollbackToUploaded(ctx context.Context, projectID uuid.UUID) {
	if _, err := p.projects.UpdateStatusCAS(ctx, nil, projectID, domain.ProjectStatusParsing, domain.ProjectStatusUploaded); err != nil {
		p.log.Warn("rollback project status", "project_id", projectID, "error", err)
	}
}
