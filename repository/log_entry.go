package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/visitcounter/models"
)

// LogFilter narrows a paged visit log listing. Zero fields are ignored.
type LogFilter struct {
	CounterID int64
	IPAddress string
	Start     time.Time
	End       time.Time
	Page      int
	PageSize  int
}

type LogStore interface {
	FindByID(ctx context.Context, id int64) (*models.LogEntry, error)
	List(ctx context.Context) ([]models.LogEntry, error)
	Page(ctx context.Context, f LogFilter) ([]models.LogEntry, int64, error)
	// Insert always creates a new row; e.ID is ignored.
	Insert(ctx context.Context, e *models.LogEntry) (int64, error)
	Delete(ctx context.Context, id int64) (bool, error)
	// CountBetween counts rows with from <= create_time < to.
	CountBetween(ctx context.Context, from, to time.Time) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.LogEntry, error)
	MaxID(ctx context.Context) (int64, error)
}

type logStore struct{ db *gorm.DB }

func NewLogStore(db *gorm.DB) LogStore {
	return &logStore{db: db}
}

func (r *logStore) FindByID(ctx context.Context, id int64) (*models.LogEntry, error) {
	var e models.LogEntry
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *logStore) List(ctx context.Context) ([]models.LogEntry, error) {
	var list []models.LogEntry
	err := r.db.WithContext(ctx).Order("id DESC").Find(&list).Error
	return list, err
}

func (r *logStore) Page(ctx context.Context, f LogFilter) ([]models.LogEntry, int64, error) {
	page, size := normalizePage(f.Page, f.PageSize)
	q := r.db.WithContext(ctx).Model(&models.LogEntry{})
	if f.CounterID != 0 {
		q = q.Where("counter_id = ?", f.CounterID)
	}
	if f.IPAddress != "" {
		q = q.Where("ip_address LIKE ?", "%"+f.IPAddress+"%")
	}
	if !f.Start.IsZero() {
		q = q.Where("create_time >= ?", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("create_time <= ?", f.End)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.LogEntry
	err := q.Order("create_time DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error
	return list, total, err
}

func (r *logStore) Insert(ctx context.Context, e *models.LogEntry) (int64, error) {
	row := *e
	row.ID = 0
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (r *logStore) Delete(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&models.LogEntry{}, id)
	return res.RowsAffected > 0, res.Error
}

func (r *logStore) CountBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Where("create_time >= ? AND create_time < ?", from, to).
		Count(&n).Error
	return n, err
}

func (r *logStore) Recent(ctx context.Context, limit int) ([]models.LogEntry, error) {
	var list []models.LogEntry
	err := r.db.WithContext(ctx).Order("create_time DESC").Limit(limit).Find(&list).Error
	return list, err
}

func (r *logStore) MaxID(ctx context.Context) (int64, error) {
	var maxID int64
	err := r.db.WithContext(ctx).Model(&models.LogEntry{}).Select("COALESCE(MAX(id),0)").Scan(&maxID).Error
	return maxID, err
}
