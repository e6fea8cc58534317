package model

import "time"

// Frame is a persisted artifact record produced by one variant of a
// generation task. Path starts as a placeholder preview location and is
// rewritten to the final artifact path when generation finishes.
//
// GroupID ties together the sibling variants of one logical generation
// request; VariantID is the 0-based index within that group.
type Frame struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Generator string    `json:"generator"`
	ProjectID string    `json:"project_id"`
	GroupID   string    `json:"group_id"`
	VariantID int       `json:"variant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project groups frames produced for one piece of work.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
