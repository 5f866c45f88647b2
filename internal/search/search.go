// Package search provides full-text comment search with a Meilisearch
// primary backend and a PostgreSQL fallback.
package search

import "time"

// Result is a single comment hit returned to the caller.
type Result struct {
	ID         int64     `json:"id"`
	Snippet    string    `json:"snippet"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterAuthorID string // empty = all authors
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	CreatedAt  int64  `json:"created_at"`
}
