package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	account "github.com/petcare/go-account"
	"github.com/petcare/go-account/ledger"
)

type harness struct {
	facade   *account.Facade
	provider *fakeProvider
	store    *memoryStore
	ledger   *ledger.Memory
	activity *activityLog
}

func newHarness(t *testing.T, provider *fakeProvider, store *memoryStore, opts ...account.Option) *harness {
	t.Helper()
	h := &harness{
		provider: provider,
		store:    store,
		ledger:   ledger.NewMemory(0),
		activity: &activityLog{},
	}
	base := []account.Option{
		account.WithLogger(testLogger),
		account.WithSettleDelay(0),
		account.WithLedger(h.ledger),
		account.WithActivitySink(h.activity),
	}
	h.facade = account.New(provider, store, append(base, opts...)...)
	require.NoError(t, h.facade.Start(context.Background()))
	t.Cleanup(h.facade.Close)
	return h
}

func (h *harness) pending(t *testing.T, email string) bool {
	t.Helper()
	pending, err := h.ledger.Pending(context.Background(), email)
	require.NoError(t, err)
	return pending
}

func registration(email string) account.RegisterInput {
	return account.RegisterInput{
		Email:         email,
		Password:      "secret-pass",
		Name:          "Dr. Jane Doe",
		Profession:    "Surgeon",
		ClinicName:    "Riverside Animal Hospital",
		LicenseNumber: "LIC-4242",
		Phone:         "(415) 555-2671",
	}
}

func TestRegisterWritesSubmittedProfile(t *testing.T) {
	h := newHarness(t, newFakeProvider(), newMemoryStore())

	out, err := h.facade.Register(context.Background(), registration(" Jane@Riverside.com "))
	require.NoError(t, err)
	assert.False(t, out.RequiresConfirmation)
	require.NotNil(t, out.Profile)

	p := out.Profile
	assert.Equal(t, out.Identity.ID, p.ID)
	assert.Equal(t, "jane@riverside.com", p.Email)
	assert.Equal(t, "Dr. Jane Doe", p.Name)
	assert.Equal(t, "Surgeon", p.Profession)
	assert.Equal(t, "Riverside Animal Hospital", p.ClinicName)
	assert.Equal(t, "LIC-4242", p.LicenseNumber)
	assert.Equal(t, "+14155552671", p.Phone)

	state := h.facade.State()
	assert.Equal(t, account.PhaseAuthenticated, state.Phase)
	assert.True(t, state.IsAuthenticated())
	assert.Equal(t, p.ID, state.Profile.ID)
	assert.False(t, h.pending(t, "jane@riverside.com"))
	assert.Equal(t, 1, h.activity.count(account.ActivityEventRegistrationDone))
}

func TestRegisterSuppressesAutoCreateFromSignUpEvent(t *testing.T) {
	h := newHarness(t, newFakeProvider(), newMemoryStore())

	_, err := h.facade.Register(context.Background(), registration("jane@riverside.com"))
	require.NoError(t, err)

	inserts, _ := h.store.counts()
	assert.Equal(t, 1, inserts, "only the registration writes the profile")
	assert.Equal(t, 1, h.activity.count(account.ActivityEventSessionSuppressed))

	rows := h.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "Riverside Animal Hospital", rows[0].ClinicName)
	assert.Equal(t, "LIC-4242", rows[0].LicenseNumber)
}

func TestRegisterWithoutLedgerStillKeepsSubmittedFields(t *testing.T) {
	provider := newFakeProvider()
	store := newMemoryStore()
	f := account.New(provider, store,
		account.WithLogger(testLogger),
		account.WithSettleDelay(0),
		account.WithLedger(failingLedger{}),
	)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(f.Close)

	out, err := f.Register(context.Background(), account.RegisterInput{
		Email:         "jane@riverside.com",
		Password:      "secret-pass",
		Name:          "Dr. Jane Doe",
		ClinicName:    "Riverside Animal Hospital",
		LicenseNumber: "LIC-4242",
	})
	require.NoError(t, err)

	rows := store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, out.Identity.ID, rows[0].ID)
	assert.Equal(t, "Riverside Animal Hospital", rows[0].ClinicName)
	assert.Equal(t, "LIC-4242", rows[0].LicenseNumber)

	_, updates := store.counts()
	assert.Equal(t, 1, updates, "auto-created row is updated in place")
	assert.Equal(t, account.PhaseAuthenticated, f.State().Phase)
}

func TestRegisterRequiringConfirmation(t *testing.T) {
	provider := newFakeProvider()
	provider.requireConfirmation = true
	h := newHarness(t, provider, newMemoryStore())

	out, err := h.facade.Register(context.Background(), registration("new@x.com"))
	require.NoError(t, err)
	assert.True(t, out.RequiresConfirmation)
	assert.Nil(t, out.Profile)
	assert.NotEmpty(t, out.Identity.ID)

	assert.Empty(t, h.store.all())
	assert.False(t, h.pending(t, "new@x.com"))
	assert.Equal(t, account.PhaseUnauthenticated, h.facade.State().Phase)
	assert.Equal(t, 1, h.activity.count(account.ActivityEventRegistrationPending))
}

func TestRegisterDemoIdentityKeepsDefaultsForBlankFields(t *testing.T) {
	h := newHarness(t, newFakeProvider(), newMemoryStore())

	out, err := h.facade.Register(context.Background(), account.RegisterInput{
		Email:      account.DemoEmail,
		Password:   "secret-pass",
		Name:       "Dr. Renamed",
		ClinicName: "Downtown Clinic",
	})
	require.NoError(t, err)

	rows := h.store.all()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, out.Identity.ID, row.ID)
	assert.Equal(t, "Dr. Renamed", row.Name)
	assert.Equal(t, "Downtown Clinic", row.ClinicName)
	assert.Equal(t, "Chief Veterinarian", row.Profession)
	assert.Equal(t, "VET-0001", row.LicenseNumber)
}

func TestRegisterRelinksLegacyRowForEmail(t *testing.T) {
	store := newMemoryStore(&account.Profile{ID: "old-1", Email: "a@b.com", Name: "Old Name", Phone: "+14155550000"})
	h := newHarness(t, newFakeProvider(), store)

	out, err := h.facade.Register(context.Background(), account.RegisterInput{
		Email:    "a@b.com",
		Password: "secret-pass",
		Name:     "New Name",
	})
	require.NoError(t, err)

	rows := store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, out.Identity.ID, rows[0].ID)
	assert.Equal(t, "New Name", rows[0].Name)
	assert.Equal(t, "+14155550000", rows[0].Phone)
}

func TestRegisterSignUpFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.signUpErr = errors.New("user already registered")
	h := newHarness(t, provider, newMemoryStore())

	_, err := h.facade.Register(context.Background(), registration("jane@riverside.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrSignUpFailed)
	assert.Contains(t, err.Error(), "user already registered")
	assert.Equal(t, "IDENTITY_CREATION_FAILED", account.TextCode(err))
	assert.False(t, h.pending(t, "jane@riverside.com"))
	assert.Equal(t, 1, h.activity.count(account.ActivityEventRegistrationFailed))
}

func TestRegisterProfileWriteFailureSignsOut(t *testing.T) {
	store := newMemoryStore()
	store.insertErr = errors.New("permission denied")
	h := newHarness(t, newFakeProvider(), store)

	_, err := h.facade.Register(context.Background(), registration("jane@riverside.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, account.ErrProfileWriteFailed)
	assert.Equal(t, 1, h.provider.signOuts())

	state := h.facade.State()
	assert.Equal(t, account.PhaseUnauthenticated, state.Phase)
	assert.Nil(t, state.Session)
	assert.False(t, h.pending(t, "jane@riverside.com"))
}

func TestRegisterProfileWriteAndSignOutFailureSettlesUnresolved(t *testing.T) {
	provider := newFakeProvider()
	provider.signOutErr = errors.New("network down")
	store := newMemoryStore()
	store.insertErr = errors.New("permission denied")
	h := newHarness(t, provider, store)

	_, err := h.facade.Register(context.Background(), registration("jane@riverside.com"))
	require.ErrorIs(t, err, account.ErrProfileWriteFailed)

	state := h.facade.State()
	assert.Equal(t, account.PhaseUnresolved, state.Phase)
	assert.False(t, state.Loading())
	assert.Nil(t, state.Profile)
	assert.False(t, h.pending(t, "jane@riverside.com"))
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	tests := map[string]account.RegisterInput{
		"missing email":  {Password: "secret-pass", Name: "Jane"},
		"bad email":      {Email: "not-an-email", Password: "secret-pass", Name: "Jane"},
		"short password": {Email: "jane@riverside.com", Password: "123", Name: "Jane"},
		"missing name":   {Email: "jane@riverside.com", Password: "secret-pass"},
		"bad phone":      {Email: "jane@riverside.com", Password: "secret-pass", Name: "Jane", Phone: "12"},
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			provider := newFakeProvider()
			h := newHarness(t, provider, newMemoryStore())

			_, err := h.facade.Register(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, account.ErrInvalidRegistration)
			assert.Empty(t, provider.users, "provider must not be called")
		})
	}
}

func TestRegisterLeavesNoMarkerOnAnyPath(t *testing.T) {
	paths := map[string]func(p *fakeProvider, s *memoryStore){
		"success":         func(*fakeProvider, *memoryStore) {},
		"confirmation":    func(p *fakeProvider, _ *memoryStore) { p.requireConfirmation = true },
		"sign up failure": func(p *fakeProvider, _ *memoryStore) { p.signUpErr = errors.New("boom") },
		"write failure":   func(_ *fakeProvider, s *memoryStore) { s.insertErr = errors.New("boom") },
	}

	for name, setup := range paths {
		t.Run(name, func(t *testing.T) {
			provider := newFakeProvider()
			store := newMemoryStore()
			setup(provider, store)
			h := newHarness(t, provider, store)

			_, _ = h.facade.Register(context.Background(), registration("jane@riverside.com"))
			assert.False(t, h.pending(t, "jane@riverside.com"))
		})
	}
}

func TestRegisterLeavesNoMarkerWhenStorePanics(t *testing.T) {
	store := newMemoryStore()
	var once sync.Once
	store.onInsert = func() {
		once.Do(func() { panic("disk on fire") })
	}
	h := newHarness(t, newFakeProvider(), store)

	assert.PanicsWithValue(t, "disk on fire", func() {
		_, _ = h.facade.Register(context.Background(), registration("jane@riverside.com"))
	})

	assert.False(t, h.pending(t, "jane@riverside.com"))
	assert.False(t, h.facade.State().Loading())
}

func TestRegisterSettleAfterSignOutStaysSignedOut(t *testing.T) {
	provider := newFakeProvider()
	store := newMemoryStore()
	h := newHarness(t, provider, store)

	var once sync.Once
	store.onFind = func() {
		once.Do(func() { _ = provider.SignOut(context.Background()) })
	}

	out, err := h.facade.Register(context.Background(), registration("jane@riverside.com"))
	require.NoError(t, err)
	require.NotNil(t, out.Profile)

	state := h.facade.State()
	assert.Equal(t, account.PhaseUnauthenticated, state.Phase)
	assert.Nil(t, state.Session)
	assert.False(t, state.IsAuthenticated())
	assert.False(t, h.pending(t, "jane@riverside.com"))
}

func TestRegisterFailureResumesSuppressedSignIn(t *testing.T) {
	provider := newFakeProvider()
	provider.addUser("u1", "a@b.com", "secret-pass")
	store := newMemoryStore(&account.Profile{ID: "u1", Email: "a@b.com", Name: "Dr. Existing"})
	h := newHarness(t, provider, store)
	ctx := context.Background()

	provider.onSignUp = func() {
		require.NoError(t, h.facade.Login(ctx, "a@b.com", "secret-pass"))
		assert.True(t, h.facade.State().Loading(), "sign-in is suppressed while the marker is held")
	}

	_, err := h.facade.Register(ctx, registration("a@b.com"))
	require.ErrorIs(t, err, account.ErrSignUpFailed)

	state := h.facade.State()
	assert.False(t, state.Loading())
	require.True(t, state.IsAuthenticated())
	assert.Equal(t, "u1", state.Profile.ID)
	assert.Equal(t, "Dr. Existing", state.Profile.Name)
	assert.False(t, h.pending(t, "a@b.com"))
}
