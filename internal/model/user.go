package model

import (
	"time"
)

type User struct {
	ID         uint64     `gorm:"primaryKey"`
	Username   string     `gorm:"type:varchar(50);uniqueIndex:idx_username"`
	Email      string     `gorm:"type:varchar(100);uniqueIndex:idx_email"`
	Password   string     `gorm:"type:varchar(255)"`
	LastSeenAt *time.Time // 最近一次离线时间，由在线状态切换时异步回写
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (User) TableName() string {
	return "users"
}
