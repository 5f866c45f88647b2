// Package thread turns the flat relational comment set into nested reply
// trees and ordered root listings.
package thread

import (
	"context"
	"fmt"
	"sort"
	"time"

	"quorum/internal/store"
)

type SortMode string

const (
	// SortTop orders by upvotes descending, newest first among ties.
	SortTop SortMode = "top"
	// SortNew orders purely by creation time, newest first.
	SortNew SortMode = "new"
)

// ParseSortMode maps a raw query value to a sort mode, defaulting to top.
func ParseSortMode(raw string) SortMode {
	if SortMode(raw) == SortNew {
		return SortNew
	}
	return SortTop
}

// Node is a comment with its reply subtree attached to full depth.
type Node struct {
	ID        int64             `json:"id"`
	Text      string            `json:"text"`
	Upvotes   int               `json:"upvotes"`
	ParentID  *int64            `json:"parent_id"`
	CreatedAt time.Time         `json:"created_at"`
	Author    store.UserSummary `json:"user"`
	Replies   []*Node           `json:"replies"`
}

// Comment is the flat shape used for root listings and single-comment
// payloads: no subtree, just the direct reply count.
type Comment struct {
	ID         int64             `json:"id"`
	Text       string            `json:"text"`
	Upvotes    int               `json:"upvotes"`
	ParentID   *int64            `json:"parent_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Author     store.UserSummary `json:"user"`
	ReplyCount int               `json:"reply_count"`
}

// NewComment shapes a store row into the flat payload form.
func NewComment(row store.CommentRow, author store.UserSummary, replyCount int) Comment {
	return Comment{
		ID:         row.ID,
		Text:       row.Text,
		Upvotes:    row.Upvotes,
		ParentID:   row.ParentID,
		CreatedAt:  row.CreatedAt,
		Author:     author,
		ReplyCount: replyCount,
	}
}

// Store is the slice of the data store the assembler reads from.
type Store interface {
	CollectSubtree(ctx context.Context, rootID int64) ([]store.CommentRow, error)
	FindRoots(ctx context.Context, orderBy string) ([]store.CommentRow, error)
	CountRepliesByParent(ctx context.Context, parentIDs []int64) (map[int64]int, error)
	FindUserSummaries(ctx context.Context, ids []string) (map[string]store.UserSummary, error)
}

type Assembler struct {
	store Store
}

func NewAssembler(s Store) *Assembler {
	return &Assembler{store: s}
}

// AssembleTree returns the comment rooted at rootID with replies populated to
// full depth, siblings ordered per mode. A nil node means the root does not
// exist. The whole subtree is fetched in one store query and linked in memory
// with an explicit work queue; a parent link that revisits an id already on
// the path becomes a terminal leaf instead of a loop.
func (a *Assembler) AssembleTree(ctx context.Context, rootID int64, mode SortMode) (*Node, error) {
	rows, err := a.store.CollectSubtree(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("fetch subtree %d: %w", rootID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	authors, err := a.authorsFor(ctx, rows)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*Node, len(rows))
	children := make(map[int64][]store.CommentRow)
	var rootRow *store.CommentRow
	for i, row := range rows {
		nodes[row.ID] = &Node{
			ID:        row.ID,
			Text:      row.Text,
			Upvotes:   row.Upvotes,
			ParentID:  row.ParentID,
			CreatedAt: row.CreatedAt,
			Author:    authors[row.AuthorID],
			Replies:   []*Node{},
		}
		if row.ID == rootID {
			rootRow = &rows[i]
		} else if row.ParentID != nil {
			children[*row.ParentID] = append(children[*row.ParentID], row)
		}
	}
	if rootRow == nil {
		return nil, nil
	}

	// Breadth-first link from the root. The visited set guarantees each node
	// attaches at most once, so cyclic or duplicated parent links cannot
	// produce an infinite structure.
	visited := map[int64]bool{rootID: true}
	queue := []int64{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, childRow := range children[id] {
			if visited[childRow.ID] {
				continue
			}
			visited[childRow.ID] = true
			nodes[id].Replies = append(nodes[id].Replies, nodes[childRow.ID])
			queue = append(queue, childRow.ID)
		}
		sortNodes(nodes[id].Replies, mode)
	}

	return nodes[rootID], nil
}

// ListRoots returns all top-level comments ordered per mode, each annotated
// with its direct reply count only.
func (a *Assembler) ListRoots(ctx context.Context, mode SortMode) ([]Comment, error) {
	rows, err := a.store.FindRoots(ctx, string(mode))
	if err != nil {
		return nil, fmt.Errorf("fetch roots: %w", err)
	}

	authors, err := a.authorsFor(ctx, rows)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	counts, err := a.store.CountRepliesByParent(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch reply counts: %w", err)
	}

	comments := make([]Comment, len(rows))
	for i, row := range rows {
		comments[i] = NewComment(row, authors[row.AuthorID], counts[row.ID])
	}
	sortComments(comments, mode)
	return comments, nil
}

func (a *Assembler) authorsFor(ctx context.Context, rows []store.CommentRow) (map[string]store.UserSummary, error) {
	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, row := range rows {
		if !seen[row.AuthorID] {
			seen[row.AuthorID] = true
			ids = append(ids, row.AuthorID)
		}
	}
	authors, err := a.store.FindUserSummaries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch authors: %w", err)
	}
	return authors, nil
}

// Sibling ordering. Stable sorts keep tied comments in their input order, so
// a call always produces the same output for the same input.

func sortNodes(nodes []*Node, mode SortMode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return before(nodes[i].Upvotes, nodes[j].Upvotes, nodes[i].CreatedAt, nodes[j].CreatedAt, mode)
	})
}

func sortComments(comments []Comment, mode SortMode) {
	sort.SliceStable(comments, func(i, j int) bool {
		return before(comments[i].Upvotes, comments[j].Upvotes, comments[i].CreatedAt, comments[j].CreatedAt, mode)
	})
}

func before(upvotesA, upvotesB int, createdA, createdB time.Time, mode SortMode) bool {
	if mode == SortNew {
		return createdA.After(createdB)
	}
	if upvotesA != upvotesB {
		return upvotesA > upvotesB
	}
	return createdA.After(createdB)
}
