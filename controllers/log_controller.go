package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

// LogController administers visit logs.
type LogController struct {
	logs      *services.LogService
	scheduler *services.Scheduler
	locator   *utils.IPLocator
	logger    *zap.Logger
}

func NewLogController(logs *services.LogService, scheduler *services.Scheduler, locator *utils.IPLocator, logger *zap.Logger) *LogController {
	return &LogController{logs: logs, scheduler: scheduler, locator: locator, logger: logger}
}

// List returns unflushed entries followed by stored ones.
func (l *LogController) List(ctx *gin.Context) {
	list, err := l.logs.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, l.logger, err)
		return
	}
	utils.Success(ctx, list)
}

// Page filters by counter_id, ip and a start/end time window.
func (l *LogController) Page(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	f := repository.LogFilter{
		IPAddress: strings.TrimSpace(ctx.Query("ip")),
		Page:      page,
		PageSize:  pageSize,
	}
	if v := strings.TrimSpace(ctx.Query("counter_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			utils.Error(ctx, http.StatusBadRequest, 40012, "invalid counter_id")
			return
		}
		f.CounterID = id
	}
	var err error
	if f.Start, err = parseTime(ctx.Query("start")); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40013, "invalid start time")
		return
	}
	if f.End, err = parseTime(ctx.Query("end")); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40014, "invalid end time")
		return
	}

	list, total, err := l.logs.Page(ctx.Request.Context(), f)
	if err != nil {
		serviceError(ctx, l.logger, err)
		return
	}
	utils.Success(ctx, models.NewPageResult(list, total, page, pageSize))
}

func (l *LogController) Get(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	entry, err := l.logs.Get(ctx.Request.Context(), id)
	if err != nil {
		serviceError(ctx, l.logger, err)
		return
	}
	utils.Success(ctx, entry)
}

// Location resolves the visitor IP of one entry to a readable place.
func (l *LogController) Location(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	entry, err := l.logs.Get(ctx.Request.Context(), id)
	if err != nil {
		serviceError(ctx, l.logger, err)
		return
	}
	utils.Success(ctx, gin.H{
		"id":       entry.ID,
		"ip":       entry.IPAddress,
		"location": l.locator.Locate(ctx.Request.Context(), entry.IPAddress),
	})
}

func (l *LogController) Delete(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := l.logs.Delete(ctx.Request.Context(), id); err != nil {
		serviceError(ctx, l.logger, err)
		return
	}
	utils.Success(ctx, gin.H{"id": id})
}

// Flush writes unflushed visit logs to the database now.
func (l *LogController) Flush(ctx *gin.Context) {
	wctx, cancel := context.WithTimeout(ctx.Request.Context(), flushWait)
	defer cancel()
	rep, err := l.scheduler.FlushLogs(wctx)
	flushResponse(ctx, l.logger, []services.FlushReport{rep}, err)
}
