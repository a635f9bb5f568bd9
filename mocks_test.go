package account_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	account "github.com/petcare/go-account"
)

var testLogger = account.NewZapLogger(zap.NewNop())

// MockProfileStore implements account.ProfileStore
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) FindByID(ctx context.Context, id string) (*account.Profile, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*account.Profile)
	return p, args.Error(1)
}

func (m *MockProfileStore) FindByEmail(ctx context.Context, email string) (*account.Profile, error) {
	args := m.Called(ctx, email)
	p, _ := args.Get(0).(*account.Profile)
	return p, args.Error(1)
}

func (m *MockProfileStore) Insert(ctx context.Context, profile *account.Profile) (*account.Profile, error) {
	args := m.Called(ctx, profile)
	p, _ := args.Get(0).(*account.Profile)
	return p, args.Error(1)
}

func (m *MockProfileStore) Update(ctx context.Context, id string, patch account.ProfilePatch) (*account.Profile, error) {
	args := m.Called(ctx, id, patch)
	p, _ := args.Get(0).(*account.Profile)
	return p, args.Error(1)
}

// memoryStore is an in-process ProfileStore enforcing the primary key and the
// unique email index.
type memoryStore struct {
	mu      sync.Mutex
	rows    map[string]*account.Profile
	inserts int
	updates int

	findErr   error
	insertErr error
	updateErr error

	// onFind and onInsert run before the lookup or insert, outside the lock.
	onFind   func()
	onInsert func()
}

func newMemoryStore(rows ...*account.Profile) *memoryStore {
	s := &memoryStore{rows: map[string]*account.Profile{}}
	for _, row := range rows {
		s.rows[row.ID] = row.Clone()
	}
	return s
}

func (s *memoryStore) FindByID(_ context.Context, id string) (*account.Profile, error) {
	if s.onFind != nil {
		s.onFind()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.rows[id].Clone(), nil
}

func (s *memoryStore) FindByEmail(_ context.Context, email string) (*account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	email = account.NormalizeEmail(email)
	for _, row := range s.rows {
		if row.Email == email {
			return row.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memoryStore) Insert(_ context.Context, profile *account.Profile) (*account.Profile, error) {
	if s.onInsert != nil {
		s.onInsert()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	if _, ok := s.rows[profile.ID]; ok {
		return nil, fmt.Errorf("%w: id %s", account.ErrProfileConflict, profile.ID)
	}
	for _, row := range s.rows {
		if row.Email == profile.Email {
			return nil, fmt.Errorf("%w: email %s", account.ErrProfileConflict, profile.Email)
		}
	}
	row := profile.Clone()
	now := time.Now()
	row.CreatedAt, row.UpdatedAt = &now, &now
	s.rows[row.ID] = row
	s.inserts++
	return row.Clone(), nil
}

func (s *memoryStore) Update(_ context.Context, id string, patch account.ProfilePatch) (*account.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	if patch.ID != nil && *patch.ID != id {
		if _, taken := s.rows[*patch.ID]; taken {
			return nil, fmt.Errorf("%w: id %s", account.ErrProfileConflict, *patch.ID)
		}
	}
	updated := row.Clone()
	patch.Apply(updated)
	now := time.Now()
	updated.UpdatedAt = &now
	delete(s.rows, id)
	s.rows[updated.ID] = updated
	s.updates++
	return updated.Clone(), nil
}

func (s *memoryStore) all() []*account.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*account.Profile, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.Clone())
	}
	return out
}

func (s *memoryStore) get(id string) *account.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Clone()
}

func (s *memoryStore) counts() (inserts, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts, s.updates
}

var errInvalidCredentials = errors.New("invalid login credentials")

type fakeUser struct {
	identity account.Identity
	password string
}

// fakeProvider is an IdentityProvider that delivers session events to every
// handler before the triggering call returns.
type fakeProvider struct {
	mu       sync.Mutex
	users    map[string]*fakeUser
	session  *account.Session
	handlers map[int]account.SessionHandler
	nextSub  int
	nextID   int

	requireConfirmation bool
	getSessionErr       error
	signUpErr           error
	signOutErr          error
	updateErr           error
	signOutCalls        int

	// onGetSession and onSignUp run first, outside the lock.
	onGetSession func()
	onSignUp     func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:    map[string]*fakeUser{},
		handlers: map[int]account.SessionHandler{},
	}
}

func (p *fakeProvider) addUser(id, email, password string) account.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	identity := account.Identity{ID: id, Email: account.NormalizeEmail(email)}
	p.users[identity.Email] = &fakeUser{identity: identity, password: password}
	return identity
}

// restore makes GetSession report a session without emitting an event.
func (p *fakeProvider) restore(identity account.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = &account.Session{Identity: identity, AccessToken: "token-" + identity.ID}
}

func (p *fakeProvider) GetSession(context.Context) (*account.Session, error) {
	if p.onGetSession != nil {
		p.onGetSession()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getSessionErr != nil {
		return nil, p.getSessionErr
	}
	if p.session == nil {
		return nil, nil
	}
	s := *p.session
	return &s, nil
}

func (p *fakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*account.Session, error) {
	p.mu.Lock()
	user, ok := p.users[account.NormalizeEmail(email)]
	if !ok || user.password != password {
		p.mu.Unlock()
		return nil, errInvalidCredentials
	}
	session := &account.Session{Identity: user.identity, AccessToken: "token-" + user.identity.ID}
	p.session = session
	p.mu.Unlock()

	p.emit(ctx, account.EventSignedIn, session)
	return session, nil
}

func (p *fakeProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*account.SignUpResult, error) {
	if p.onSignUp != nil {
		p.onSignUp()
	}
	p.mu.Lock()
	if p.signUpErr != nil {
		p.mu.Unlock()
		return nil, p.signUpErr
	}
	email = account.NormalizeEmail(email)
	if _, exists := p.users[email]; exists {
		p.mu.Unlock()
		return nil, errors.New("user already registered")
	}
	p.nextID++
	identity := account.Identity{ID: fmt.Sprintf("identity-%d", p.nextID), Email: email, Metadata: metadata}
	p.users[email] = &fakeUser{identity: identity, password: password}
	if p.requireConfirmation {
		p.mu.Unlock()
		return &account.SignUpResult{Identity: identity}, nil
	}
	session := &account.Session{Identity: identity, AccessToken: "token-" + identity.ID}
	p.session = session
	p.mu.Unlock()

	p.emit(ctx, account.EventSignedIn, session)
	return &account.SignUpResult{Identity: identity, Session: session}, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signOutCalls++
	if p.signOutErr != nil {
		p.mu.Unlock()
		return p.signOutErr
	}
	p.session = nil
	p.mu.Unlock()

	p.emit(ctx, account.EventSignedOut, nil)
	return nil
}

func (p *fakeProvider) UpdateCredentials(ctx context.Context, credentials account.Credentials) error {
	p.mu.Lock()
	if p.updateErr != nil {
		p.mu.Unlock()
		return p.updateErr
	}
	if p.session == nil {
		p.mu.Unlock()
		return errors.New("not signed in")
	}
	user := p.users[p.session.Identity.Email]
	user.password = credentials.Password
	session := *p.session
	p.mu.Unlock()

	p.emit(ctx, account.EventUserUpdated, &session)
	return nil
}

func (p *fakeProvider) OnSessionChange(handler account.SessionHandler) account.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.handlers[id] = handler
	return &fakeSubscription{provider: p, id: id}
}

// emit delivers an event to every handler on the calling goroutine.
func (p *fakeProvider) emit(ctx context.Context, eventType account.EventType, session *account.Session) {
	p.mu.Lock()
	handlers := make([]account.SessionHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(context.WithoutCancel(ctx), account.SessionEvent{Type: eventType, Session: session})
	}
}

func (p *fakeProvider) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *fakeProvider) signOuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutCalls
}

type fakeSubscription struct {
	provider *fakeProvider
	id       int
}

func (s *fakeSubscription) Unsubscribe() {
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()
	delete(s.provider.handlers, s.id)
}

// activityLog collects activity events.
type activityLog struct {
	mu     sync.Mutex
	events []account.ActivityEvent
}

func (l *activityLog) Record(_ context.Context, event account.ActivityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *activityLog) count(eventType account.ActivityEventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// failingLedger always fails, as an unreachable shared ledger would.
type failingLedger struct{}

func (failingLedger) Hold(context.Context, string) (string, error) {
	return "", errors.New("ledger down")
}

func (failingLedger) Pending(context.Context, string) (bool, error) {
	return false, errors.New("ledger down")
}

func (failingLedger) Release(context.Context, string, string) error {
	return errors.New("ledger down")
}

func (failingLedger) Reset(context.Context) error {
	return errors.New("ledger down")
}
