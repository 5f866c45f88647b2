// Package app wires the comment service, accounts, sessions, and search
// behind the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quorum/internal/accounts"
	"quorum/internal/auth"
	"quorum/internal/config"
	"quorum/internal/rbac"
	"quorum/internal/search"
	"quorum/internal/store"
	"quorum/internal/thread"
	"quorum/internal/util"
)

// Session is an authenticated principal plus the tokens that carry it.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) identity() rbac.Identity {
	return rbac.Identity{UserID: s.UserID, Role: rbac.Normalize(s.Role)}
}

type CreateCommentInput struct {
	Text     string `json:"text"`
	ParentID *int64 `json:"parent_id"`
}

// dataStore is the slice of the persistent store the service depends on.
type dataStore interface {
	FindCommentByID(ctx context.Context, id int64) (store.CommentRow, error)
	InsertComment(ctx context.Context, text, authorID string, parentID *int64) (store.CommentRow, error)
	IncrementUpvote(ctx context.Context, id int64) (store.CommentRow, error)
	DeleteCommentCascade(ctx context.Context, id int64) ([]int64, error)
	CountDirectChildren(ctx context.Context, id int64) (int, error)
	FindUserSummary(ctx context.Context, id string) (store.UserSummary, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// sessionStore persists refresh tokens. Redis when configured, the primary
// store otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	threads  *thread.Assembler
	accounts *accounts.Service
	search   *search.Service // nil when search is not wired
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchSvc *search.Service) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, searchSvc)
}

// NewWithSessionStore builds a service with a dedicated refresh token
// backend, typically Redis.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		threads:  thread.NewAssembler(dataStore),
		accounts: accounts.NewService(dataStore),
		search:   searchSvc,
	}
}

// Identity

func (s *Service) Register(ctx context.Context, req accounts.RegisterRequest) (Session, error) {
	user, err := s.accounts.Register(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrEmailTaken):
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		case errors.Is(err, accounts.ErrInvalidInput), errors.Is(err, accounts.ErrWeakPassword):
			return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		default:
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session backend may only hold the user id; reload the account so a
	// role change takes effect on rotation.
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// CurrentUser returns the requesting account's public profile.
func (s *Service) CurrentUser(ctx context.Context, session Session) (store.UserSummary, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return store.UserSummary{}, err
	}
	return user.Summary(), nil
}

// Comments

// CreateComment validates and stores a new comment, top-level or reply. The
// parent does not have to exist; replies to a deleted parent become orphans
// that stay out of root listings.
func (s *Service) CreateComment(ctx context.Context, session Session, input CreateCommentInput) (thread.Comment, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return thread.Comment{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "text is required", nil)
	}

	if decision := rbac.CanMutate(session.identity(), rbac.ActionCreate, ""); !decision.Allowed {
		return thread.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", decision.Reason, nil)
	}

	row, err := s.store.InsertComment(ctx, text, session.UserID, input.ParentID)
	if err != nil {
		return thread.Comment{}, err
	}

	author, err := s.store.FindUserSummary(ctx, session.UserID)
	if err != nil {
		return thread.Comment{}, err
	}

	if s.search != nil {
		s.search.IndexComment(commentRecord(row, author.Name))
	}

	return thread.NewComment(row, author, 0), nil
}

// UpvoteComment increments the counter in a single store statement and
// returns the updated comment. Repeat votes from the same user each count.
func (s *Service) UpvoteComment(ctx context.Context, session Session, id int64) (thread.Comment, error) {
	if decision := rbac.CanMutate(session.identity(), rbac.ActionUpvote, ""); !decision.Allowed {
		return thread.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", decision.Reason, nil)
	}

	row, err := s.store.IncrementUpvote(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Comment{}, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	if err != nil {
		return thread.Comment{}, err
	}

	author, err := s.store.FindUserSummary(ctx, row.AuthorID)
	if err != nil {
		return thread.Comment{}, err
	}
	replyCount, err := s.store.CountDirectChildren(ctx, row.ID)
	if err != nil {
		return thread.Comment{}, err
	}
	return thread.NewComment(row, author, replyCount), nil
}

// DeleteComment removes a comment and its entire reply subtree in one atomic
// statement. Allowed for the comment's author and for admins. Returns the
// number of comments removed.
func (s *Service) DeleteComment(ctx context.Context, session Session, id int64) (int, error) {
	row, err := s.store.FindCommentByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	if err != nil {
		return 0, err
	}

	if decision := rbac.CanMutate(session.identity(), rbac.ActionDelete, row.AuthorID); !decision.Allowed {
		return 0, domainError(http.StatusForbidden, "FORBIDDEN", decision.Reason, nil)
	}

	deleted, err := s.store.DeleteCommentCascade(ctx, id)
	if err != nil {
		return 0, err
	}
	if s.search != nil {
		s.search.RemoveComments(deleted)
	}
	return len(deleted), nil
}

// ListComments returns all top-level comments ordered per mode, plus the
// requesting user's public profile.
func (s *Service) ListComments(ctx context.Context, session Session, mode thread.SortMode) ([]thread.Comment, store.UserSummary, error) {
	comments, err := s.threads.ListRoots(ctx, mode)
	if err != nil {
		return nil, store.UserSummary{}, err
	}
	currentUser, err := s.CurrentUser(ctx, session)
	if err != nil {
		return nil, store.UserSummary{}, err
	}
	if comments == nil {
		comments = []thread.Comment{}
	}
	return comments, currentUser, nil
}

// GetCommentTree returns the comment and its full reply tree.
func (s *Service) GetCommentTree(ctx context.Context, id int64) (*thread.Node, error) {
	node, err := s.threads.AssembleTree(ctx, id, thread.SortTop)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Comment not found", nil)
	}
	return node, nil
}

// Search runs a full-text query over comments.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) SearchEnabled() bool {
	return s.search != nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func commentRecord(row store.CommentRow, authorName string) search.CommentRecord {
	return search.CommentRecord{
		ID:         strconv.FormatInt(row.ID, 10),
		Text:       row.Text,
		AuthorID:   row.AuthorID,
		AuthorName: authorName,
		CreatedAt:  row.CreatedAt.Unix(),
	}
}
