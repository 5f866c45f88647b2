package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const commentColumns = `id, text, user_id, parent_id, upvotes, created_at`

func scanComment(row interface{ Scan(...any) error }) (CommentRow, error) {
	var c CommentRow
	var parent sql.NullInt64
	if err := row.Scan(&c.ID, &c.Text, &c.AuthorID, &parent, &c.Upvotes, &c.CreatedAt); err != nil {
		return CommentRow{}, err
	}
	if parent.Valid {
		c.ParentID = &parent.Int64
	}
	return c, nil
}

func (s *PostgresStore) FindCommentByID(ctx context.Context, id int64) (CommentRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id)
	comment, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentRow{}, err
		}
		return CommentRow{}, fmt.Errorf("find comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, text, authorID string, parentID *int64) (CommentRow, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (text, user_id, parent_id)
		VALUES ($1, $2, $3)
		RETURNING `+commentColumns+`
	`, text, authorID, parentID)
	comment, err := scanComment(row)
	if err != nil {
		return CommentRow{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

// IncrementUpvote bumps the counter by one in a single UPDATE so concurrent
// callers can never lose an increment. Returns sql.ErrNoRows when absent.
func (s *PostgresStore) IncrementUpvote(ctx context.Context, id int64) (CommentRow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments SET upvotes = upvotes + 1
		WHERE id=$1
		RETURNING `+commentColumns+`
	`, id)
	comment, err := scanComment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommentRow{}, err
		}
		return CommentRow{}, fmt.Errorf("increment upvote: %w", err)
	}
	return comment, nil
}

// subtreeCTE walks parent links from a root comment. The path array stops the
// recursion if the data ever contains a parent cycle.
const subtreeCTE = `
	WITH RECURSIVE subtree AS (
		SELECT c.id, c.text, c.user_id, c.parent_id, c.upvotes, c.created_at, ARRAY[c.id] AS path
		FROM comments c
		WHERE c.id = $1
		UNION ALL
		SELECT c.id, c.text, c.user_id, c.parent_id, c.upvotes, c.created_at, s.path || c.id
		FROM comments c
		JOIN subtree s ON c.parent_id = s.id
		WHERE NOT c.id = ANY(s.path)
	)
`

// CollectSubtree returns the root comment and every transitive reply as a
// flat set in one round trip. An empty result means the root does not exist.
func (s *PostgresStore) CollectSubtree(ctx context.Context, rootID int64) ([]CommentRow, error) {
	rows, err := s.db.QueryContext(ctx, subtreeCTE+`
		SELECT id, text, user_id, parent_id, upvotes, created_at FROM subtree
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("collect subtree: %w", err)
	}
	defer rows.Close()

	var comments []CommentRow
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtree row: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtree: %w", err)
	}
	return comments, nil
}

// DeleteCommentCascade removes a comment and its whole reply subtree in one
// statement, so the cascade is all-or-nothing. Returns the deleted ids;
// an empty slice means the comment did not exist.
func (s *PostgresStore) DeleteCommentCascade(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, subtreeCTE+`
		DELETE FROM comments WHERE id IN (SELECT id FROM subtree) RETURNING id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("cascade delete: %w", err)
	}
	defer rows.Close()

	var deleted []int64
	for rows.Next() {
		var deletedID int64
		if err := rows.Scan(&deletedID); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		deleted = append(deleted, deletedID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted ids: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) FindRoots(ctx context.Context, orderBy string) ([]CommentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE parent_id IS NULL
		ORDER BY `+rootOrderClause(orderBy), // whitelisted below, never caller input
	)
	if err != nil {
		return nil, fmt.Errorf("find roots: %w", err)
	}
	defer rows.Close()

	var comments []CommentRow
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan root row: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roots: %w", err)
	}
	return comments, nil
}

func rootOrderClause(orderBy string) string {
	if orderBy == "new" {
		return "created_at DESC, id DESC"
	}
	return "upvotes DESC, created_at DESC, id DESC"
}

func (s *PostgresStore) CountDirectChildren(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE parent_id=$1`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// CountRepliesByParent batches direct-reply counts for a set of comments.
// Parents with no replies are absent from the map.
func (s *PostgresStore) CountRepliesByParent(ctx context.Context, parentIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(parentIDs))
	if len(parentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id, COUNT(*) FROM comments
		WHERE parent_id = ANY($1)
		GROUP BY parent_id
	`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("count replies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var parentID int64
		var count int
		if err := rows.Scan(&parentID, &count); err != nil {
			return nil, fmt.Errorf("scan reply count: %w", err)
		}
		counts[parentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) FindUserSummary(ctx context.Context, id string) (UserSummary, error) {
	var summary UserSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, avatar, role FROM users WHERE id=$1
	`, id).Scan(&summary.ID, &summary.Name, &summary.Email, &summary.Avatar, &summary.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserSummary{}, err
		}
		return UserSummary{}, fmt.Errorf("find user summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) FindUserSummaries(ctx context.Context, ids []string) (map[string]UserSummary, error) {
	summaries := make(map[string]UserSummary, len(ids))
	if len(ids) == 0 {
		return summaries, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, avatar, role FROM users WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("find user summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var summary UserSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.Email, &summary.Avatar, &summary.Role); err != nil {
			return nil, fmt.Errorf("scan user summary: %w", err)
		}
		summaries[summary.ID] = summary
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user summaries: %w", err)
	}
	return summaries, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, avatar, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Avatar, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, avatar, role, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Avatar, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, avatar, role, created_at
		FROM users WHERE id=$1
	`, id).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Avatar, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh-session storage in Postgres. Used when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.password_hash, u.avatar, u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Avatar, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
