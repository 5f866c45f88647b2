package store

import "time"

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Avatar       string
	Role         string
	CreatedAt    time.Time
}

// UserSummary is the public projection of a user embedded in comment
// payloads. The password hash never leaves the store in this shape.
type UserSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
	Role   string `json:"role"`
}

// CommentRow is the flat relational representation of a comment.
// ParentID is nil for top-level comments.
type CommentRow struct {
	ID        int64
	Text      string
	AuthorID  string
	ParentID  *int64
	Upvotes   int
	CreatedAt time.Time
}

func (u User) Summary() UserSummary {
	return UserSummary{
		ID:     u.ID,
		Name:   u.Name,
		Email:  u.Email,
		Avatar: u.Avatar,
		Role:   u.Role,
	}
}
