package app

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"quorum/internal/accounts"
	"quorum/internal/config"
	"quorum/internal/store"
	"quorum/internal/thread"
)

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// memStore is a stateful in-memory stand-in for the Postgres store. It
// implements the service's dataStore, the assembler's Store, the account
// service's UserStore, and the session fallback.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	comments map[int64]store.CommentRow
	users    map[string]store.User
	refresh  map[string]refreshRecord
	revoked  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		comments: map[int64]store.CommentRow{},
		users:    map[string]store.User{},
		refresh:  map[string]refreshRecord{},
		revoked:  map[string]bool{},
	}
}

func (m *memStore) addUser(id, name, role string) store.User {
	user := store.User{ID: id, Name: name, Email: name + "@example.com", Role: role}
	m.users[id] = user
	return user
}

func (m *memStore) FindCommentByID(_ context.Context, id int64) (store.CommentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.comments[id]
	if !ok {
		return store.CommentRow{}, sql.ErrNoRows
	}
	return row, nil
}

func (m *memStore) InsertComment(_ context.Context, text, authorID string, parentID *int64) (store.CommentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row := store.CommentRow{
		ID:        m.nextID,
		Text:      text,
		AuthorID:  authorID,
		ParentID:  parentID,
		Upvotes:   0,
		CreatedAt: time.Now().UTC(),
	}
	m.comments[row.ID] = row
	return row, nil
}

func (m *memStore) IncrementUpvote(_ context.Context, id int64) (store.CommentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.comments[id]
	if !ok {
		return store.CommentRow{}, sql.ErrNoRows
	}
	row.Upvotes++
	m.comments[id] = row
	return row, nil
}

func (m *memStore) DeleteCommentCascade(_ context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[id]; !ok {
		return nil, nil
	}
	childIndex := map[int64][]int64{}
	for _, row := range m.comments {
		if row.ParentID != nil {
			childIndex[*row.ParentID] = append(childIndex[*row.ParentID], row.ID)
		}
	}
	visited := map[int64]bool{id: true}
	queue := []int64{id}
	deleted := []int64{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, childID := range childIndex[next] {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			deleted = append(deleted, childID)
			queue = append(queue, childID)
		}
	}
	for _, victim := range deleted {
		delete(m.comments, victim)
	}
	return deleted, nil
}

func (m *memStore) CountDirectChildren(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.comments {
		if row.ParentID != nil && *row.ParentID == id {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CollectSubtree(_ context.Context, rootID int64) ([]store.CommentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.comments[rootID]
	if !ok {
		return nil, nil
	}
	childIndex := map[int64][]store.CommentRow{}
	for _, row := range m.comments {
		if row.ParentID != nil {
			childIndex[*row.ParentID] = append(childIndex[*row.ParentID], row)
		}
	}
	rows := []store.CommentRow{root}
	visited := map[int64]bool{rootID: true}
	queue := []int64{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range childIndex[id] {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			rows = append(rows, child)
			queue = append(queue, child.ID)
		}
	}
	return rows, nil
}

func (m *memStore) FindRoots(_ context.Context, _ string) ([]store.CommentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []store.CommentRow
	for _, row := range m.comments {
		if row.ParentID == nil {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (m *memStore) CountRepliesByParent(_ context.Context, parentIDs []int64) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[int64]int{}
	for _, row := range m.comments {
		if row.ParentID == nil {
			continue
		}
		for _, id := range parentIDs {
			if *row.ParentID == id {
				counts[id]++
			}
		}
	}
	return counts, nil
}

func (m *memStore) FindUserSummary(_ context.Context, id string) (store.UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.UserSummary{}, sql.ErrNoRows
	}
	return user.Summary(), nil
}

func (m *memStore) FindUserSummaries(_ context.Context, ids []string) (map[string]store.UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]store.UserSummary{}
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			out[id] = user.Summary()
		}
	}
	return out, nil
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(rec.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	user, ok := m.users[rec.userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(ms *memStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    ms,
		sessions: ms,
		threads:  thread.NewAssembler(ms),
		accounts: accounts.NewService(ms),
	}
}

func sessionFor(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}
	return session
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected *DomainError, got %T: %v", err, err)
	}
	return domainErr.Code
}

func TestCreateCommentStartsAtZeroUpvotes(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	author := ms.addUser("usr_a", "Asha", "USER")
	session := sessionFor(t, svc, author)

	first, err := svc.CreateComment(context.Background(), session, CreateCommentInput{Text: "first!"})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if first.Upvotes != 0 {
		t.Fatalf("new comment upvotes = %d, want 0", first.Upvotes)
	}
	if first.Author.ID != "usr_a" {
		t.Fatalf("author = %q, want usr_a", first.Author.ID)
	}
	if first.ParentID != nil {
		t.Fatalf("top-level comment must have nil parent, got %v", *first.ParentID)
	}

	second, err := svc.CreateComment(context.Background(), session, CreateCommentInput{Text: "second", ParentID: &first.ID})
	if err != nil {
		t.Fatalf("CreateComment reply: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("ids must be unique")
	}
	if second.ParentID == nil || *second.ParentID != first.ID {
		t.Fatalf("reply parent = %v, want %d", second.ParentID, first.ID)
	}
}

func TestCreateCommentRejectsBlankText(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	session := sessionFor(t, svc, ms.addUser("usr_a", "Asha", "USER"))

	for _, text := range []string{"", "   ", "\n\t "} {
		_, err := svc.CreateComment(context.Background(), session, CreateCommentInput{Text: text})
		if code := domainCode(t, err); code != "VALIDATION_ERROR" {
			t.Fatalf("text %q: code = %s, want VALIDATION_ERROR", text, code)
		}
	}
	if len(ms.comments) != 0 {
		t.Fatalf("no comment may be stored on validation failure, got %d", len(ms.comments))
	}
}

func TestUpvoteAccumulates(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	session := sessionFor(t, svc, ms.addUser("usr_a", "Asha", "USER"))

	comment, err := svc.CreateComment(context.Background(), session, CreateCommentInput{Text: "vote me"})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	var last thread.Comment
	for i := 0; i < 5; i++ {
		last, err = svc.UpvoteComment(context.Background(), session, comment.ID)
		if err != nil {
			t.Fatalf("UpvoteComment %d: %v", i, err)
		}
	}
	if last.Upvotes != 5 {
		t.Fatalf("upvotes = %d, want 5", last.Upvotes)
	}
}

func TestUpvoteMissingCommentIsNotFound(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	session := sessionFor(t, svc, ms.addUser("usr_a", "Asha", "USER"))

	_, err := svc.UpvoteComment(context.Background(), session, 999999)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("code = %s, want NOT_FOUND", code)
	}
	if len(ms.comments) != 0 {
		t.Fatal("store must not be mutated")
	}
}

func TestDeleteByStrangerIsForbidden(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := sessionFor(t, svc, ms.addUser("usr_owner", "Owner", "USER"))
	stranger := sessionFor(t, svc, ms.addUser("usr_other", "Other", "USER"))

	comment, err := svc.CreateComment(context.Background(), owner, CreateCommentInput{Text: "mine"})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	_, err = svc.DeleteComment(context.Background(), stranger, comment.ID)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("code = %s, want FORBIDDEN", code)
	}
	if _, err := svc.GetCommentTree(context.Background(), comment.ID); err != nil {
		t.Fatalf("comment must survive a forbidden delete: %v", err)
	}
}

func TestDeleteByOwnerCascades(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := sessionFor(t, svc, ms.addUser("usr_owner", "Owner", "USER"))
	other := sessionFor(t, svc, ms.addUser("usr_other", "Other", "USER"))

	root, err := svc.CreateComment(context.Background(), owner, CreateCommentInput{Text: "root"})
	if err != nil {
		t.Fatalf("CreateComment root: %v", err)
	}
	// A reply by a different user is still removed by the cascade.
	reply, err := svc.CreateComment(context.Background(), other, CreateCommentInput{Text: "reply", ParentID: &root.ID})
	if err != nil {
		t.Fatalf("CreateComment reply: %v", err)
	}
	nested, err := svc.CreateComment(context.Background(), other, CreateCommentInput{Text: "nested", ParentID: &reply.ID})
	if err != nil {
		t.Fatalf("CreateComment nested: %v", err)
	}

	deleted, err := svc.DeleteComment(context.Background(), owner, root.ID)
	if err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	for _, id := range []int64{root.ID, reply.ID, nested.ID} {
		_, err := svc.GetCommentTree(context.Background(), id)
		if code := domainCode(t, err); code != "NOT_FOUND" {
			t.Fatalf("comment %d: code = %s, want NOT_FOUND after cascade", id, code)
		}
	}
}

func TestDeleteByAdminAllowed(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	owner := sessionFor(t, svc, ms.addUser("usr_owner", "Owner", "USER"))
	admin := sessionFor(t, svc, ms.addUser("usr_admin", "Admin", "ADMIN"))

	comment, err := svc.CreateComment(context.Background(), owner, CreateCommentInput{Text: "moderate me"})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	deleted, err := svc.DeleteComment(context.Background(), admin, comment.ID)
	if err != nil {
		t.Fatalf("admin DeleteComment: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}

func TestDeleteMissingCommentIsNotFound(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	session := sessionFor(t, svc, ms.addUser("usr_a", "Asha", "USER"))

	_, err := svc.DeleteComment(context.Background(), session, 424242)
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("code = %s, want NOT_FOUND", code)
	}
}

func TestListCommentsIncludesCurrentUser(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	session := sessionFor(t, svc, ms.addUser("usr_a", "Asha", "USER"))

	if _, err := svc.CreateComment(context.Background(), session, CreateCommentInput{Text: "hello"}); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	comments, currentUser, err := svc.ListComments(context.Background(), session, thread.SortTop)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	if currentUser.ID != "usr_a" || currentUser.Name != "Asha" {
		t.Fatalf("currentUser = %+v", currentUser)
	}
}

func TestRegisterLoginAndSessionRoundtrip(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	registered, err := svc.Register(ctx, accounts.RegisterRequest{Name: "Asha", Email: "asha@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if registered.Token == "" || registered.RefreshToken == "" {
		t.Fatal("expected tokens on register")
	}

	parsed, err := svc.SessionFromToken(ctx, registered.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != registered.UserID {
		t.Fatalf("session user = %q, want %q", parsed.UserID, registered.UserID)
	}

	loggedIn, err := svc.Login(ctx, "asha@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loggedIn.UserID != registered.UserID {
		t.Fatalf("login user = %q, want %q", loggedIn.UserID, registered.UserID)
	}

	if _, err := svc.Login(ctx, "asha@example.com", "wrong"); err == nil {
		t.Fatal("expected login failure for wrong password")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	session, err := svc.Register(ctx, accounts.RegisterRequest{Name: "Asha", Email: "asha@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	// The used token is revoked.
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected error reusing a rotated refresh token")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	session, err := svc.Register(ctx, accounts.RegisterRequest{Name: "Asha", Email: "asha@example.com", Password: "hunter22"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := svc.Logout(ctx, session, session.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := svc.SessionFromToken(ctx, session.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected revoked refresh token to be rejected")
	}
}
