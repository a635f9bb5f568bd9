package local

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"

	account "github.com/petcare/go-account"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []account.SessionEvent
}

func (l *eventLog) handle(_ context.Context, event account.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) types() []account.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]account.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func setupDB(t *testing.T) *bun.DB {
	t.Helper()
	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func setupProvider(t *testing.T, db *bun.DB, clock *testClock, opts ...Option) *Provider {
	t.Helper()
	base := []Option{WithBcryptCost(bcrypt.MinCost), WithClock(clock.Now)}
	p, err := New(db, testKey, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func TestNewRequiresSigningKey(t *testing.T) {
	_, err := New(setupDB(t), nil)
	assert.Error(t, err)
}

func TestSignUpSignsInAndSessionSurvivesRestart(t *testing.T) {
	db := setupDB(t)
	clock := newClock()
	p := setupProvider(t, db, clock)
	ctx := context.Background()

	res, err := p.SignUp(ctx, " Vet@Clinic.com ", "secret-pass", map[string]any{"name": "Dr. Vet"})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Identity.ID)
	assert.Equal(t, "vet@clinic.com", res.Identity.Email)
	assert.Equal(t, res.Identity.ID, res.Session.Identity.ID)
	assert.Equal(t, clock.Now().Add(DefaultTokenTTL), res.Session.ExpiresAt)

	restarted := setupProvider(t, db, clock)
	session, err := restarted.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, res.Identity.ID, session.Identity.ID)
	assert.Equal(t, "Dr. Vet", session.Identity.Metadata["name"])
	assert.Equal(t, res.Session.AccessToken, session.AccessToken)
}

func TestSignUpRejectsTakenEmail(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	_, err = p.SignUp(ctx, "VET@clinic.com", "other-pass", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignUpRequiringConfirmation(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock(), WithRequireConfirmation(true))
	ctx := context.Background()

	res, err := p.SignUp(ctx, "new@x.com", "secret-pass", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.NotEmpty(t, res.Identity.ID)

	session, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = p.SignInWithPassword(ctx, "new@x.com", "secret-pass")
	assert.ErrorIs(t, err, ErrEmailNotConfirmed)

	require.NoError(t, p.Confirm(ctx, "NEW@x.com"))
	session, err = p.SignInWithPassword(ctx, "new@x.com", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, res.Identity.ID, session.Identity.ID)

	assert.ErrorIs(t, p.Confirm(ctx, "ghost@x.com"), ErrIdentityNotFound)
}

func TestSignInWithWrongCredentials(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "wrong-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.SignInWithPassword(ctx, "ghost@clinic.com", "secret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignInCoolsDownAfterFailedAttempts(t *testing.T) {
	clock := newClock()
	p := setupProvider(t, setupDB(t), clock)
	ctx := context.Background()

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	for i := 0; i < MaxLoginAttempts; i++ {
		_, err := p.SignInWithPassword(ctx, "vet@clinic.com", "wrong-pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "secret-pass")
	assert.ErrorIs(t, err, ErrTooManyLoginAttempts)

	clock.Advance(CoolDown + time.Minute)
	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "secret-pass")
	assert.NoError(t, err)
}

func TestSignOutClearsSession(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	require.NoError(t, p.SignOut(ctx))
	session, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	require.NoError(t, p.SignOut(ctx), "signing out twice is harmless")
}

func TestExpiredSessionIsDiscarded(t *testing.T) {
	db := setupDB(t)
	clock := newClock()
	p := setupProvider(t, db, clock, WithTokenTTL(time.Hour))
	ctx := context.Background()

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	session, err := p.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	count, err := db.NewSelect().Model((*DeviceSession)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSessionsAreScopedToDevice(t *testing.T) {
	db := setupDB(t)
	clock := newClock()
	laptop := setupProvider(t, db, clock, WithDevice("laptop"))
	phone := setupProvider(t, db, clock, WithDevice("phone"))
	ctx := context.Background()

	_, err := laptop.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)

	session, err := phone.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = phone.SignInWithPassword(ctx, "vet@clinic.com", "secret-pass")
	require.NoError(t, err)
	require.NoError(t, laptop.SignOut(ctx))

	session, err = phone.GetSession(ctx)
	require.NoError(t, err)
	assert.NotNil(t, session)
}

func TestUpdateCredentials(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	err := p.UpdateCredentials(ctx, account.Credentials{Password: "new-secret"})
	assert.ErrorIs(t, err, ErrNotSignedIn)

	_, err = p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)
	require.NoError(t, p.UpdateCredentials(ctx, account.Credentials{Password: "new-secret"}))

	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "secret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "new-secret")
	assert.NoError(t, err)
}

func TestSessionEventsAreDeliveredInOrder(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	first, second := &eventLog{}, &eventLog{}
	p.OnSessionChange(first.handle)
	sub := p.OnSessionChange(second.handle)

	_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
	require.NoError(t, err)
	require.NoError(t, p.UpdateCredentials(ctx, account.Credentials{Password: "new-secret"}))
	require.NoError(t, p.SignOut(ctx))
	_, err = p.SignInWithPassword(ctx, "vet@clinic.com", "new-secret")
	require.NoError(t, err)

	want := []account.EventType{
		account.EventSignedIn,
		account.EventUserUpdated,
		account.EventSignedOut,
		account.EventSignedIn,
	}
	for _, log := range []*eventLog{first, second} {
		assert.Eventually(t, func() bool { return len(log.types()) == len(want) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, want, log.types())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, p.events.len())

	require.NoError(t, p.SignOut(ctx))
	assert.Eventually(t, func() bool { return len(first.types()) == len(want)+1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, second.types(), len(want))
}

func TestSlowSubscriberDoesNotBlockSignIn(t *testing.T) {
	p := setupProvider(t, setupDB(t), newClock())
	ctx := context.Background()

	release := make(chan struct{})
	p.OnSessionChange(func(context.Context, account.SessionEvent) { <-release })
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := p.SignUp(ctx, "vet@clinic.com", "secret-pass", nil)
		if err == nil {
			err = p.SignOut(ctx)
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestTokenServiceRejectsForeignTokens(t *testing.T) {
	clock := newClock()
	ts := NewTokenService(testKey, time.Hour, DefaultIssuer, clock.Now)

	token, _, err := ts.Generate("u1", "vet@clinic.com")
	require.NoError(t, err)

	claims, err := ts.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "vet@clinic.com", claims.Email)

	other := NewTokenService([]byte("another-key-another-key-another!"), time.Hour, DefaultIssuer, clock.Now)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	otherIssuer := NewTokenService(testKey, time.Hour, "someone-else", clock.Now)
	_, err = otherIssuer.Validate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestHashPassword(t *testing.T) {
	_, err := HashPassword("", bcrypt.MinCost)
	assert.Error(t, err)

	hash, err := HashPassword("secret-pass", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, ComparePasswordAndHash("secret-pass", hash))
	assert.ErrorIs(t, ComparePasswordAndHash("wrong", hash), ErrInvalidCredentials)
}
