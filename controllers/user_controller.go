package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/middleware"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/utils"
)

// UserController manages admin accounts.
type UserController struct {
	users  repository.UserStore
	logger *zap.Logger
}

func NewUserController(users repository.UserStore, logger *zap.Logger) *UserController {
	return &UserController{users: users, logger: logger}
}

func parseUserID(ctx *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(ctx.Param("id")), 10, 64)
	if err != nil || id == 0 {
		utils.Error(ctx, http.StatusBadRequest, 40002, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// isSelf reports whether id is the caller's own account.
func isSelf(ctx *gin.Context, id uint) bool {
	v, ok := ctx.Get(middleware.ContextUserIDKey)
	if !ok {
		return false
	}
	uid, ok := v.(uint)
	return ok && uid == id
}

func (u *UserController) List(ctx *gin.Context) {
	list, err := u.users.List(ctx.Request.Context())
	if err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	utils.Success(ctx, list)
}

// Page supports username (substring) and status filters.
func (u *UserController) Page(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx.Query("page"), ctx.Query("page_size"))
	f := repository.UserFilter{
		Username: strings.TrimSpace(ctx.Query("username")),
		Page:     page,
		PageSize: pageSize,
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

	list, total, err := u.users.Page(ctx.Request.Context(), f)
	if err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	utils.Success(ctx, models.NewPageResult(list, total, page, pageSize))
}

type createUserRequest struct {
	Username string         `json:"username" binding:"required"`
	Password string         `json:"password" binding:"required"`
	Status   *models.Status `json:"status"`
}

func (u *UserController) Create(ctx *gin.Context) {
	var req createUserRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	status := models.StatusActive
	if req.Status != nil {
		if !req.Status.Valid() {
			utils.Error(ctx, http.StatusBadRequest, 40011, "invalid status")
			return
		}
		status = *req.Status
	}
	if !u.usernameFree(ctx, username, 0) {
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	user := &models.User{Username: username, PasswordHash: hash, Status: status}
	if err := u.users.Create(ctx.Request.Context(), user); err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	u.logger.Info("admin user created", zap.String("username", username), zap.String("by", ctx.GetString(middleware.ContextUsernameKey)))
	utils.Respond(ctx, http.StatusCreated, 0, "success", user)
}

type updateUserRequest struct {
	Username *string        `json:"username"`
	Password *string        `json:"password"`
	Status   *models.Status `json:"status"`
}

// Update changes any of username, password and status. A new password is re-hashed.
func (u *UserController) Update(ctx *gin.Context) {
	id, ok := parseUserID(ctx)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}
	user, ok := u.find(ctx, id)
	if !ok {
		return
	}

	if req.Username != nil {
		name := strings.TrimSpace(*req.Username)
		if name == "" {
			utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
			return
		}
		if name != user.Username && !u.usernameFree(ctx, name, id) {
			return
		}
		user.Username = name
	}
	if req.Password != nil && *req.Password != "" {
		hash, err := utils.HashPassword(*req.Password)
		if err != nil {
			serviceError(ctx, u.logger, err)
			return
		}
		user.PasswordHash = hash
	}
	if req.Status != nil {
		if !u.statusAllowed(ctx, id, *req.Status) {
			return
		}
		user.Status = *req.Status
	}

	if err := u.users.Update(ctx.Request.Context(), user); err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	utils.Success(ctx, user)
}

func (u *UserController) SetStatus(ctx *gin.Context) {
	id, ok := parseUserID(ctx)
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
	if !u.statusAllowed(ctx, id, *req.Status) {
		return
	}
	user, ok := u.find(ctx, id)
	if !ok {
		return
	}
	user.Status = *req.Status
	if err := u.users.Update(ctx.Request.Context(), user); err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	utils.Success(ctx, gin.H{"id": id, "status": user.Status})
}

func (u *UserController) Delete(ctx *gin.Context) {
	id, ok := parseUserID(ctx)
	if !ok {
		return
	}
	if isSelf(ctx, id) {
		utils.Error(ctx, http.StatusBadRequest, 40013, "cannot delete the current user")
		return
	}
	deleted, err := u.users.Delete(ctx.Request.Context(), id)
	if err != nil {
		serviceError(ctx, u.logger, err)
		return
	}
	if !deleted {
		utils.Error(ctx, http.StatusNotFound, 40402, "user not found")
		return
	}
	u.logger.Info("admin user deleted", zap.Uint("id", id), zap.String("by", ctx.GetString(middleware.ContextUsernameKey)))
	utils.Success(ctx, gin.H{"id": id})
}

func (u *UserController) find(ctx *gin.Context, id uint) (*models.User, bool) {
	user, err := u.users.FindByID(ctx.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		utils.Error(ctx, http.StatusNotFound, 40402, "user not found")
		return nil, false
	}
	if err != nil {
		serviceError(ctx, u.logger, err)
		return nil, false
	}
	return user, true
}

// usernameFree writes a 409 when name belongs to an account other than self.
func (u *UserController) usernameFree(ctx *gin.Context, name string, self uint) bool {
	existing, err := u.users.FindByUsername(ctx.Request.Context(), name)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return true
	case err != nil:
		serviceError(ctx, u.logger, err)
		return false
	case existing.ID == self:
		return true
	}
	utils.Error(ctx, http.StatusConflict, 40902, "username already exists")
	return false
}

func (u *UserController) statusAllowed(ctx *gin.Context, id uint, st models.Status) bool {
	if !st.Valid() {
		utils.Error(ctx, http.StatusBadRequest, 40011, "invalid status")
		return false
	}
	if st == models.StatusDisabled && isSelf(ctx, id) {
		utils.Error(ctx, http.StatusBadRequest, 40014, "cannot disable the current user")
		return false
	}
	return true
}
