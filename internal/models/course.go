package models

import "time"

// Course represents a course students may request to join.
type Course struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Title     string    `db:"title" json:"title"`
	Capacity  int       `db:"capacity" json:"capacity"`
	Open      bool      `db:"open" json:"open"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CourseFilter captures search parameters for listing courses.
type CourseFilter struct {
	Search   string
	Open     *bool
	Page     int
	PageSize int
}
