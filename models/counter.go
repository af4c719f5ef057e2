package models

import "time"

// Status is the lifecycle state of a Counter or User. Increments are only accepted
// on Active counters and only Active users may log in.
type Status int8

const (
	StatusDisabled Status = 0
	StatusActive   Status = 1
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	return s == StatusDisabled || s == StatusActive
}

// Counter is one countable target. Target is the natural key and addresses the cache entry;
// ID is assigned by the database on first flush (a temporary sequence value before that).
type Counter struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Target      string    `gorm:"size:255;not null;uniqueIndex" json:"target"`
	Count       int64     `gorm:"not null" json:"count"`
	Description string    `gorm:"size:512" json:"description"`
	Status      Status    `gorm:"not null" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Counter) TableName() string { return "counters" }

// Active reports whether the counter accepts increments.
func (c *Counter) Active() bool { return c.Status == StatusActive }
