package bootstrap

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/cppla/visitcounter/config"
	"github.com/cppla/visitcounter/models"
	"github.com/cppla/visitcounter/repository"
	"github.com/cppla/visitcounter/utils"
)

// EnsureAdminUser creates the configured admin account when it does not exist yet.
// An existing account keeps its password.
func EnsureAdminUser(ctx context.Context, users repository.UserStore, adm config.AdminSection, log *zap.Logger) error {
	username := strings.TrimSpace(adm.Username)
	if username == "" || adm.Password == "" {
		return nil
	}

	_, err := users.FindByUsername(ctx, username)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	hash, err := utils.HashPassword(adm.Password)
	if err != nil {
		return err
	}
	if err := users.Create(ctx, &models.User{Username: username, PasswordHash: hash, Status: models.StatusActive}); err != nil {
		return err
	}
	log.Info("admin account created", zap.String("username", username))
	return nil
}
