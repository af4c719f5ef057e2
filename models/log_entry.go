package models

import "time"

// LogEntry records a single visit. It is append-only.
type LogEntry struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CounterID  int64     `gorm:"index;not null" json:"counter_id"`
	IPAddress  string    `gorm:"size:45" json:"ip_address"`
	CreateTime time.Time `gorm:"index;not null" json:"create_time"`
}

func (LogEntry) TableName() string { return "visit_logs" }
