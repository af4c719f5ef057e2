package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/services"
	"github.com/cppla/visitcounter/utils"
)

func parsePagination(pageStr, sizeStr string) (int, int) {
	page := 1
	pageSize := 10
	if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
		page = p
	}
	if s, err := strconv.Atoi(sizeStr); err == nil && s > 0 && s <= 100 {
		pageSize = s
	}
	return page, pageSize
}

// parseID reads the :id path parameter. Negative ids name counters that were not flushed yet.
func parseID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(ctx.Param("id")), 10, 64)
	if err != nil || id == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40002, "invalid id")
		return 0, false
	}
	return id, true
}

// parseTime accepts RFC3339 or "2006-01-02 15:04:05" in local time. Empty yields the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
}

// serviceError maps service sentinels onto HTTP responses.
func serviceError(ctx *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.Error(ctx, http.StatusNotFound, 40401, "not found")
	case errors.Is(err, services.ErrConflict):
		utils.Error(ctx, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, services.ErrInvalid):
		utils.Error(ctx, http.StatusBadRequest, 40001, err.Error())
	default:
		logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50000, "internal error")
	}
}

// flushWait is how long a manual flush request waits for the run; it must stay below the
// server write timeout. The run itself is not bound to the request.
var flushWait = 30 * time.Second

// flushResponse answers a manual flush trigger. Partial failures still return the reports.
// A run outlasting flushWait is reported as accepted and finishes in the background.
func flushResponse(ctx *gin.Context, logger *zap.Logger, reports []services.FlushReport, err error) {
	switch {
	case err == nil:
		utils.Success(ctx, gin.H{"reports": reports})
	case errors.Is(err, context.DeadlineExceeded):
		logger.Info("manual flush still running", zap.Duration("waited", flushWait))
		utils.Respond(ctx, http.StatusAccepted, 20201, "flush still running", gin.H{"reports": reports})
	case errors.Is(err, context.Canceled), errors.Is(err, services.ErrSchedulerClosed):
		utils.Respond(ctx, http.StatusServiceUnavailable, 50303, "flush interrupted", gin.H{"reports": reports})
	case errors.Is(err, services.ErrFlushIncomplete):
		utils.Respond(ctx, http.StatusServiceUnavailable, 50301, err.Error(), gin.H{"reports": reports})
	default:
		logger.Error("flush failed", zap.Error(err))
		utils.Respond(ctx, http.StatusInternalServerError, 50302, "flush failed", gin.H{"reports": reports})
	}
}
