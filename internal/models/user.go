package models

import "time"

const (
	RoleUser      = "user"
	RoleCounselor = "counselor"
	RoleAdmin     = "admin"
)

type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Counselor struct {
	UserID         int64     `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	CommissionRate string    `json:"commission_rate"`
	CreatedAt      time.Time `json:"created_at"`
}
