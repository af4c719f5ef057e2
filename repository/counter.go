package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/visitcounter/models"
)

// CounterFilter narrows a paged counter listing. Empty fields are ignored.
type CounterFilter struct {
	Target      string
	Description string
	Status      *models.Status
	Page        int
	PageSize    int
}

type CounterStore interface {
	FindByTarget(ctx context.Context, target string) (*models.Counter, error)
	FindByID(ctx context.Context, id int64) (*models.Counter, error)
	List(ctx context.Context) ([]models.Counter, error)
	Page(ctx context.Context, f CounterFilter) ([]models.Counter, int64, error)
	// Insert stores c as a new row and returns the id assigned by the database.
	// c.ID is ignored.
	Insert(ctx context.Context, c *models.Counter) (int64, error)
	// Update overwrites the row with id c.ID.
	Update(ctx context.Context, c *models.Counter) error
	DeleteByTarget(ctx context.Context, target string) (bool, error)
}

type counterStore struct{ db *gorm.DB }

func NewCounterStore(db *gorm.DB) CounterStore {
	return &counterStore{db: db}
}

func (r *counterStore) FindByTarget(ctx context.Context, target string) (*models.Counter, error) {
	var c models.Counter
	if err := r.db.WithContext(ctx).Where("target = ?", target).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *counterStore) FindByID(ctx context.Context, id int64) (*models.Counter, error) {
	var c models.Counter
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *counterStore) List(ctx context.Context) ([]models.Counter, error) {
	var list []models.Counter
	err := r.db.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}

func (r *counterStore) Page(ctx context.Context, f CounterFilter) ([]models.Counter, int64, error) {
	page, size := normalizePage(f.Page, f.PageSize)
	q := r.db.WithContext(ctx).Model(&models.Counter{})
	if f.Target != "" {
		q = q.Where("target LIKE ?", "%"+f.Target+"%")
	}
	if f.Description != "" {
		q = q.Where("description LIKE ?", "%"+f.Description+"%")
	}
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.Counter
	err := q.Order("id ASC").Offset((page - 1) * size).Limit(size).Find(&list).Error
	return list, total, err
}

func (r *counterStore) Insert(ctx context.Context, c *models.Counter) (int64, error) {
	row := *c
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (r *counterStore) Update(ctx context.Context, c *models.Counter) error {
	// Map form so zero values (count 0, disabled status) are written too.
	return r.db.WithContext(ctx).Model(&models.Counter{}).Where("id = ?", c.ID).Updates(map[string]any{
		"target":      c.Target,
		"count":       c.Count,
		"description": c.Description,
		"status":      c.Status,
		"updated_at":  time.Now(),
	}).Error
}

func (r *counterStore) DeleteByTarget(ctx context.Context, target string) (bool, error) {
	res := r.db.WithContext(ctx).Where("target = ?", target).Delete(&models.Counter{})
	return res.RowsAffected > 0, res.Error
}
