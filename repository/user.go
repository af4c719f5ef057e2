package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/visitcounter/models"
)

// UserFilter narrows a paged user listing. Empty fields are ignored.
type UserFilter struct {
	Username string
	Status   *models.Status
	Page     int
	PageSize int
}

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id uint) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	Page(ctx context.Context, f UserFilter) ([]models.User, int64, error)
	Count(ctx context.Context) (int64, error)
	Create(ctx context.Context, u *models.User) error
	// Update overwrites username, password hash and status of the row with id u.ID.
	Update(ctx context.Context, u *models.User) error
	Delete(ctx context.Context, id uint) (bool, error)
}

type userStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) UserStore {
	return &userStore{db: db}
}

func (r *userStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *userStore) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *userStore) List(ctx context.Context) ([]models.User, error) {
	var list []models.User
	err := r.db.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}

func (r *userStore) Page(ctx context.Context, f UserFilter) ([]models.User, int64, error) {
	page, size := normalizePage(f.Page, f.PageSize)
	q := r.db.WithContext(ctx).Model(&models.User{})
	if f.Username != "" {
		q = q.Where("username LIKE ?", "%"+f.Username+"%")
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.User
	err := q.Order("id ASC").Offset((page - 1) * size).Limit(size).Find(&list).Error
	return list, total, err
}

func (r *userStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Count(&n).Error
	return n, err
}

func (r *userStore) Create(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			return err
		}
		// The column default replaces a zero status on insert.
		if u.Status == models.StatusDisabled {
			return tx.Model(&models.User{}).Where("id = ?", u.ID).Update("status", models.StatusDisabled).Error
		}
		return nil
	})
}

func (r *userStore) Update(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", u.ID).Updates(map[string]any{
		"username":      u.Username,
		"password_hash": u.PasswordHash,
		"status":        u.Status,
		"updated_at":    time.Now(),
	}).Error
}

func (r *userStore) Delete(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&models.User{}, id)
	return res.RowsAffected > 0, res.Error
}
