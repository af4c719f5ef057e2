package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/visitcounter/middleware"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/utils"
)

// AuthController handles admin login and logout.
type AuthController struct {
	users     repository.UserStore
	tokens    *utils.TokenManager
	blacklist *utils.TokenBlacklist
	logger    *zap.Logger
}

func NewAuthController(users repository.UserStore, tokens *utils.TokenManager, blacklist *utils.TokenBlacklist, logger *zap.Logger) *AuthController {
	return &AuthController{users: users, tokens: tokens, blacklist: blacklist, logger: logger}
}

// Login verifies user credentials and issues a JWT. Disabled accounts are refused.
func (a *AuthController) Login(ctx *gin.Context) {
	type request struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	var req request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40003, "invalid request payload")
		return
	}

	user, err := a.users.FindByUsername(ctx.Request.Context(), req.Username)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		serviceError(ctx, a.logger, err)
		return
	}
	if user == nil || !utils.CheckPassword(user.PasswordHash, req.Password) {
		utils.Error(ctx, http.StatusUnauthorized, 40106, "invalid username or password")
		return
	}
	if !user.Active() {
		utils.Error(ctx, http.StatusForbidden, 40307, "account disabled")
		return
	}

	token, claims, err := a.tokens.Generate(user.ID, user.Username)
	if err != nil {
		utils.Error(ctx, http.StatusInternalServerError, 50004, "failed to generate token")
		return
	}
	a.logger.Info("admin login", zap.String("username", user.Username), zap.String("ip", utils.ClientIP(ctx)))

	utils.Success(ctx, gin.H{
		"token":      token,
		"expires_at": claims.ExpiresAt.Time,
		"user":       user,
	})
}

// Logout revokes the presented token until it expires.
func (a *AuthController) Logout(ctx *gin.Context) {
	claims, ok := middleware.Claims(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40108, "unauthorized")
		return
	}
	expiresAt := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := a.blacklist.Revoke(ctx.Request.Context(), claims.ID, expiresAt); err != nil {
		a.logger.Error("revoke token", zap.Error(err))
		utils.Error(ctx, http.StatusInternalServerError, 50005, "failed to revoke token")
		return
	}
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// Me returns the current authenticated admin.
func (a *AuthController) Me(ctx *gin.Context) {
	username := ctx.GetString(middleware.ContextUsernameKey)
	user, err := a.users.FindByUsername(ctx.Request.Context(), username)
	if err != nil {
		utils.Error(ctx, http.StatusNotFound, 40402, "user not found")
		return
	}
	utils.Success(ctx, user)
}
