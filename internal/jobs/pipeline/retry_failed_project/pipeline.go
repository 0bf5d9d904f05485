package retry_failed_project

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
)

// Run puts a failed project back at the start of the parse flow and
// enqueues a fresh parse run. The reset and the enqueue commit
// together, so a crash in between cannot strand the project in
// uploaded with no run coming.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	projectID, ok := jc.PayloadUUID("project_id")
	if !ok || projectID == uuid.Nil {
		jc.FailPermanent("validate", fmt.Errorf("missing project_id"))
		return nil
	}

	jc.Progress("reset", 10, "Resetting project")
	project, err := p.projects.GetByID(jc.Ctx, nil, projectID)
	if err != nil {
		stage.Report(jc, "reset", err)
		return nil
	}
	if project.Status != domain.ProjectStatusFailed {
		jc.FailPermanent("reset", fmt.Errorf("project %s is %s, only failed projects retry", project.ID, project.Status))
		return nil
	}

	var run *domain.TaskRun
	err = p.db.Transaction(func(tx *gorm.DB) error {
		swapped, err := p.projects.UpdateStatusCAS(jc.Ctx, tx, project.ID, domain.ProjectStatusFailed, domain.ProjectStatusUploaded)
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("project %s left the failed state mid-reset", project.ID)
		}
		if err := p.projects.UpdateFields(jc.Ctx, tx, project.ID, map[string]interface{}{
			"error_message":       "",
			"processing_progress": 0,
		}); err != nil {
			return err
		}
		run, err = p.tasks.Enqueue(jc.Ctx, tx, project.OwnerID, domain.TaskTypeParseDocument, "project", &project.ID, map[string]any{
			"project_id": project.ID.String(),
		})
		return err
	})
	if err != nil {
		stage.Report(jc, "reset", err)
		return nil
	}

	jc.Succeed("done", map[string]any{
		"project_id":   project.ID.String(),
		"parse_run_id": run.ID.String(),
	})
	return nil
}
