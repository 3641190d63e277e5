package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// FakeCredentialRepository is an in-memory CredentialRepository.
// Setting Err makes every call fail with it.
type FakeCredentialRepository struct {
	mu    sync.Mutex
	users map[string]*models.User
	Err   error
}

func NewFakeCredentialRepository(users ...*models.User) *FakeCredentialRepository {
	r := &FakeCredentialRepository{users: make(map[string]*models.User)}
	for _, u := range users {
		r.Put(u)
	}
	return r
}

// Put stores a copy of u
func (r *FakeCredentialRepository) Put(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	if cp.Status == "" {
		cp.Status = models.UserStatusActive
	}
	r.users[cp.ID] = &cp
}

// Snapshot returns a copy of the stored record
func (r *FakeCredentialRepository) Snapshot(id string) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (r *FakeCredentialRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *FakeCredentialRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *FakeCredentialRepository) IncrementFailedAttempts(ctx context.Context, id string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (r *FakeCredentialRepository) LockUntil(ctx context.Context, id string, until, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return models.ErrNotFound
	}
	if u.LockedUntil == nil || until.After(*u.LockedUntil) {
		u.LockedUntil = &until
	}
	return nil
}

func (r *FakeCredentialRepository) RecordSuccess(ctx context.Context, id, ip string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	u.LastLoginIP = ip
	u.LastLoginAt = &now
	return nil
}

func (r *FakeCredentialRepository) Create(ctx context.Context, u *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, existing := range r.users {
		if existing.Email == u.Email {
			return nil, models.ErrConflict
		}
	}
	cp := *u
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Role == "" {
		cp.Role = "user"
	}
	r.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *FakeCredentialRepository) SetStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	u, ok := r.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.Status = status
	return nil
}

// FakeSessionRepository is an in-memory SessionRepository with the same
// conditional-update semantics as the SQL one
type FakeSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	Err      error
}

func NewFakeSessionRepository() *FakeSessionRepository {
	return &FakeSessionRepository{sessions: make(map[string]*models.Session)}
}

func (r *FakeSessionRepository) Snapshot(id string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func usable(s *models.Session, now time.Time) bool {
	return s.Status == models.SessionStatusActive && s.ExpiresAt.After(now)
}

func (r *FakeSessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	if _, ok := r.sessions[s.ID]; ok {
		return nil, models.ErrConflict
	}
	cp := *s
	cp.Status = models.SessionStatusActive
	cp.LastActivityAt = cp.CreatedAt
	r.sessions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *FakeSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *FakeSessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID && usable(s, now) {
			n++
		}
	}
	return n, nil
}

func (r *FakeSessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if s.UserID == userID && usable(s, now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r *FakeSessionRepository) Touch(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	s, ok := r.sessions[id]
	if !ok || !usable(s, now) {
		return models.ErrNotFound
	}
	s.LastActivityAt = now
	return nil
}

func (r *FakeSessionRepository) Rotate(ctx context.Context, rot models.SessionRotation) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	s, ok := r.sessions[rot.SessionID]
	if !ok || s.RefreshTokenHash != rot.ExpectedHash || !usable(s, rot.ActivityAt) {
		return nil, models.ErrNotFound
	}
	s.RefreshTokenHash = rot.NextHash
	s.ExpiresAt = rot.ExpiresAt
	s.LastActivityAt = rot.ActivityAt
	s.IPAddress = rot.IPAddress
	s.UserAgent = rot.UserAgent
	cp := *s
	return &cp, nil
}

func (r *FakeSessionRepository) Revoke(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	s, ok := r.sessions[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if s.Status != models.SessionStatusActive {
		return false, nil
	}
	s.Status = models.SessionStatusRevoked
	s.RevokedAt = &now
	s.RevokedReason = &reason
	return true, nil
}

func (r *FakeSessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status == models.SessionStatusActive {
			s.Status = models.SessionStatusRevoked
			s.RevokedAt = &now
			reason := reason
			s.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

func (r *FakeSessionRepository) IsActive(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	s, ok := r.sessions[id]
	return ok && usable(s, now), nil
}

func (r *FakeSessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	var n int64
	for _, s := range r.sessions {
		if s.Status == models.SessionStatusActive && !s.ExpiresAt.After(now) {
			s.Status = models.SessionStatusExpired
			n++
		}
	}
	return n, nil
}

// FakeMFARepository is an in-memory MFARepository
type FakeMFARepository struct {
	mu    sync.Mutex
	creds map[string]*models.MFACredential
	codes map[string]map[string]bool // user -> hash -> used
	Err   error
}

func NewFakeMFARepository() *FakeMFARepository {
	return &FakeMFARepository{
		creds: make(map[string]*models.MFACredential),
		codes: make(map[string]map[string]bool),
	}
}

func (r *FakeMFARepository) Get(ctx context.Context, userID string) (*models.MFACredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	c, ok := r.creds[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *FakeMFARepository) SavePendingSetup(ctx context.Context, userID string, encrypted, nonce []byte, codeHashes []string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	c, ok := r.creds[userID]
	if !ok {
		c = &models.MFACredential{UserID: userID, CreatedAt: now}
		r.creds[userID] = c
	}
	c.PendingSecretEncrypted = encrypted
	c.PendingSecretNonce = nonce
	c.UpdatedAt = now
	r.setCodes(userID, codeHashes)
	return nil
}

func (r *FakeMFARepository) setCodes(userID string, hashes []string) {
	set := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		set[h] = false
	}
	r.codes[userID] = set
}

func (r *FakeMFARepository) Activate(ctx context.Context, userID string, step int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	c, ok := r.creds[userID]
	if !ok || len(c.PendingSecretEncrypted) == 0 {
		return models.ErrMFASetupMissing
	}
	c.SecretEncrypted, c.SecretNonce = c.PendingSecretEncrypted, c.PendingSecretNonce
	c.PendingSecretEncrypted, c.PendingSecretNonce = nil, nil
	c.Enabled = true
	c.EnabledAt = &now
	c.LastUsedStep = &step
	return nil
}

func (r *FakeMFARepository) Disable(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, ok := r.creds[userID]; !ok {
		return models.ErrMFANotEnrolled
	}
	delete(r.creds, userID)
	delete(r.codes, userID)
	return nil
}

func (r *FakeMFARepository) AdvanceTOTPStep(ctx context.Context, userID string, step int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	c, ok := r.creds[userID]
	if !ok || !c.Enabled {
		return false, nil
	}
	if c.LastUsedStep != nil && *c.LastUsedStep >= step {
		return false, nil
	}
	c.LastUsedStep = &step
	return true, nil
}

func (r *FakeMFARepository) ReplaceBackupCodes(ctx context.Context, userID string, codeHashes []string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.setCodes(userID, codeHashes)
	return nil
}

func (r *FakeMFARepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	used, ok := r.codes[userID][codeHash]
	if !ok || used {
		return false, nil
	}
	r.codes[userID][codeHash] = true
	return true, nil
}

func (r *FakeMFARepository) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	n := 0
	for _, used := range r.codes[userID] {
		if !used {
			n++
		}
	}
	return n, nil
}

// MockSecurityEventStore records inserted events. InsertFunc overrides Insert.
type MockSecurityEventStore struct {
	mu         sync.Mutex
	events     []*models.SecurityEvent
	InsertFunc func(ctx context.Context, e *models.SecurityEvent) error
}

func (m *MockSecurityEventStore) Insert(ctx context.Context, e *models.SecurityEvent) error {
	if m.InsertFunc != nil {
		if err := m.InsertFunc(ctx, e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MockSecurityEventStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SecurityEvent, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UserID == userID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

// Events returns the persisted events in insertion order
func (m *MockSecurityEventStore) Events() []*models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.SecurityEvent(nil), m.events...)
}

// RecordingEventSink captures events synchronously
type RecordingEventSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *RecordingEventSink) Record(e models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Kinds lists recorded event kinds in order
func (r *RecordingEventSink) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Last returns the most recent event of kind, or nil
func (r *RecordingEventSink) Last(kind string) *models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

// FakeClock is a settable clock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
