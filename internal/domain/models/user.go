package models

import "time"

// User is the identity record owned by the user store. PassHash never leaves
// the service layer.
type User struct {
	ID        string
	Email     string
	PassHash  string
	FullName  string
	Timezone  string
	CreatedAt time.Time
}

// UserView is the sanitized projection returned to API callers.
type UserView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// View strips credential material from the user record.
func (u *User) View() UserView {
	return UserView{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Timezone:  u.Timezone,
		CreatedAt: u.CreatedAt,
	}
}
