package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PETCARE_DB_DRIVER", "sqlite")
	t.Setenv("PETCARE_DB_DSN", "file:"+filepath.Join(t.TempDir(), "petcare.db"))
	t.Setenv("PETCARE_SIGNING_KEY", "cli-test-signing-key-0123456789ab")
	t.Setenv("PETCARE_BCRYPT_COST", "4")
	t.Setenv("PETCARE_SETTLE_DELAY", "0s")
	t.Setenv("PETCARE_LOG_LEVEL", "error")
	t.Setenv("PETCARE_METRICS_ENABLED", "false")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "petcarectl %v", args)
	return out
}

func TestAccountLifecycle(t *testing.T) {
	setupEnv(t)

	assert.Contains(t, mustRun(t, "migrate"), "ok")

	seeded := mustRun(t, "seed", "--email", "a@b.com", "--name", "Dr. Legacy", "--clinic", "Old Town Vets")
	assert.Contains(t, seeded, "Old Town Vets")

	registered := mustRun(t, "register", "--email", "A@b.com", "--password", "secret-pass", "--name", "Dr. New")
	assert.Contains(t, registered, "authenticated")
	assert.Contains(t, registered, "Dr. New")
	assert.Contains(t, registered, "Old Town Vets")

	whoami := mustRun(t, "whoami")
	assert.Contains(t, whoami, "authenticated")
	assert.Contains(t, whoami, "a@b.com")

	updated := mustRun(t, "update-profile", "--clinic", "Hillside Vets", "--phone", "415 555 2671")
	assert.Contains(t, updated, "Hillside Vets")
	assert.Contains(t, updated, "+14155552671")

	assert.Contains(t, mustRun(t, "change-password", "--password", "new-secret"), "password changed")
	assert.Contains(t, mustRun(t, "logout"), "signed out")
	assert.Contains(t, mustRun(t, "whoami"), "unauthenticated")

	_, err := run(t, "login", "--email", "a@b.com", "--password", "secret-pass")
	assert.Error(t, err)

	login := mustRun(t, "login", "--email", "a@b.com", "--password", "new-secret")
	assert.Contains(t, login, "Hillside Vets")
}

func TestRegisterRequiringConfirmation(t *testing.T) {
	setupEnv(t)
	t.Setenv("PETCARE_REQUIRE_CONFIRMATION", "true")

	mustRun(t, "migrate")
	out := mustRun(t, "register", "--email", "new@x.com", "--password", "secret-pass", "--name", "Dr. New")
	assert.Contains(t, out, "confirm the email")

	_, err := run(t, "login", "--email", "new@x.com", "--password", "secret-pass")
	assert.Error(t, err)

	assert.Contains(t, mustRun(t, "confirm", "new@x.com"), "confirmed")
	assert.Contains(t, mustRun(t, "login", "--email", "new@x.com", "--password", "secret-pass"), "Dr. New")
}

func TestSeedIsIdempotent(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate")

	mustRun(t, "seed", "--email", "a@b.com", "--name", "Dr. Legacy")
	second := mustRun(t, "seed", "--email", "A@B.com", "--name", "Someone Else")
	assert.Contains(t, second, "Dr. Legacy")
	assert.NotContains(t, second, "Someone Else")
}

func TestSeedRequiresEmailAndName(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate")

	_, err := run(t, "seed", "--email", "a@b.com")
	assert.Error(t, err)
}

func TestSeedFixturesAreRelinkedOnRegister(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate")
	mustRun(t, "migrate")

	assert.Contains(t, mustRun(t, "seed", "--fixtures"), "fixtures loaded")

	registered := mustRun(t, "register", "--email", "frontdesk@petcare.com", "--password", "secret-pass", "--name", "Reception")
	assert.Contains(t, registered, "authenticated")
	assert.Contains(t, registered, "Reception")
	assert.Contains(t, registered, "PetCare Central")
	assert.NotContains(t, registered, "legacy-frontdesk")
}

func TestUpdateProfileOnlySendsChangedFlags(t *testing.T) {
	setupEnv(t)
	mustRun(t, "migrate")
	mustRun(t, "register", "--email", "vet@clinic.com", "--password", "secret-pass", "--name", "Dr. Vet", "--clinic", "Riverside")

	updated := mustRun(t, "update-profile", "--name", "Dr. Renamed")
	assert.Contains(t, updated, "Dr. Renamed")
	assert.Contains(t, updated, "Riverside")

	_, err := run(t, "update-profile")
	assert.Error(t, err, "an empty patch is rejected")
}
