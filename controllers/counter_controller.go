package controllers

import (
	"context"
	"errors"
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

// CounterController serves the public increment endpoint and counter administration.
type CounterController struct {
	counters  *services.CounterService
	scheduler *services.Scheduler
	logger    *zap.Logger
}

func NewCounterController(counters *services.CounterService, scheduler *services.Scheduler, logger *zap.Logger) *CounterController {
	return &CounterController{counters: counters, scheduler: scheduler, logger: logger}
}

// Increment counts one visit of ?target= and returns the new count.
func (c *CounterController) Increment(ctx *gin.Context) {
	target := strings.TrimSpace(ctx.Query("target"))
	if target == "" {
		utils.Error(ctx, http.StatusBadRequest, 40010, "missing target")
		return
	}
	count, err := c.counters.Increment(ctx.Request.Context(), target, utils.ClientIP(ctx))
	if errors.Is(err, services.ErrNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40401, "target not found or disabled")
		return
	}
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, gin.H{"count": count})
}

func (c *CounterController) List(ctx *gin.Context) {
	list, err := c.counters.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, list)
}

// Page supports target, description and status filters.
func (c *CounterController) Page(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	f := repository.CounterFilter{
		Target:      strings.TrimSpace(ctx.Query("target")),
		Description: strings.TrimSpace(ctx.Query("description")),
		Page:        page,
		PageSize:    pageSize,
	}
	if v := strings.TrimSpace(ctx.Query("status")); v != "" {
		n, err := strconv.Atoi(v)
		st := models.Status(n)
		if err != nil || !st.Valid() {
			utils.Error(ctx, http.StatusBadRequest, 40011, "invalid status")
			return
		}
		f.Status = &st
	}

	list, total, err := c.counters.Page(ctx.Request.Context(), f)
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, models.NewPageResult(list, total, page, pageSize))
}

func (c *CounterController) GetByTarget(ctx *gin.Context) {
	counter, err := c.counters.Get(ctx.Request.Context(), strings.TrimSpace(ctx.Param("target")))
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, counter)
}

type createCounterRequest struct {
	Target      string         `json:"target" binding:"required"`
	Count       int64          `json:"count"`
	Description string         `json:"description"`
	Status      *models.Status `json:"status"`
}

func (c *CounterController) Create(ctx *gin.Context) {
	var req createCounterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	counter := models.Counter{
		Target:      req.Target,
		Count:       req.Count,
		Description: utils.SanitizeText(req.Description),
		Status:      models.StatusActive,
	}
	if req.Status != nil {
		counter.Status = *req.Status
	}

	created, err := c.counters.Create(ctx.Request.Context(), counter)
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Respond(ctx, http.StatusCreated, 0, "success", created)
}

type updateCounterRequest struct {
	Target      *string        `json:"target"`
	Count       *int64         `json:"count"`
	Description *string        `json:"description"`
	Status      *models.Status `json:"status"`
}

func (c *CounterController) Update(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	var req updateCounterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	if req.Description != nil {
		clean := utils.SanitizeText(*req.Description)
		req.Description = &clean
	}

	updated, err := c.counters.Update(ctx.Request.Context(), id, services.CounterPatch{
		Target:      req.Target,
		Count:       req.Count,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, updated)
}

func (c *CounterController) SetStatus(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	var req struct {
		Status *models.Status `json:"status" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	if err := c.counters.SetStatus(ctx.Request.Context(), id, *req.Status); err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, gin.H{"id": id, "status": *req.Status})
}

func (c *CounterController) Delete(ctx *gin.Context) {
	id, ok := parseID(ctx)
	if !ok {
		return
	}
	if err := c.counters.Delete(ctx.Request.Context(), id); err != nil {
		serviceError(ctx, c.logger, err)
		return
	}
	utils.Success(ctx, gin.H{"id": id})
}

// Flush writes cached counters to the database now.
func (c *CounterController) Flush(ctx *gin.Context) {
	wctx, cancel := context.WithTimeout(ctx.Request.Context(), flushWait)
	defer cancel()
	rep, err := c.scheduler.FlushCounters(wctx)
	flushResponse(ctx, c.logger, []services.FlushReport{rep}, err)
}
