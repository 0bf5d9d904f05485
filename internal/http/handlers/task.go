package handlers

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/http/response"
	"github.com/chaptercast/chaptercast-backend/internal/middleware"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type TaskHandler struct {
	tasks services.TaskService
}

func NewTaskHandler(tasks services.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// taskView is the wire shape for a scheduler run. Result is decoded so
// clients see an object, not a JSON string.
func taskView(run *domain.TaskRun) gin.H {
	view := gin.H{
		"task_id":  run.ID.String(),
		"type":     run.Type,
		"status":   run.Status,
		"stage":    run.Stage,
		"message":  run.Message,
		"progress": run.Progress,
	}
	if run.Error != "" {
		view["error"] = run.Error
	}
	if len(run.Result) > 0 {
		var result any
		if err := json.Unmarshal(run.Result, &result); err == nil {
			view["result"] = result
		}
	}
	return view
}

func (h *TaskHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	run, err := h.tasks.GetForUser(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, taskView(run))
}

func (h *TaskHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := h.tasks.ListForUser(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	views := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		views = append(views, taskView(run))
	}
	response.RespondOK(c, gin.H{"tasks": views})
}

// Cancel flips a queued run to cancelled directly; a running one sees
// the flag at its next checkpoint.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		response.RespondError(c, err)
		return
	}
	run, err := h.tasks.Cancel(c.Request.Context(), middleware.UserID(c), id)
	if err != nil {
		response.RespondError(c, err)
		return
	}
	response.RespondOK(c, taskView(run))
}
