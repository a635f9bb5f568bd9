package account

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeInvalidTransition   = "INVALID_SESSION_TRANSITION"
	textCodeInvalidRegistration = "INVALID_REGISTRATION"
	textCodeInvalidPatch        = "INVALID_PROFILE_PATCH"
	textCodeSignUpFailed        = "IDENTITY_CREATION_FAILED"
	textCodeProfileWriteFailed  = "PROFILE_WRITE_FAILED"
	textCodeProfileNotLoaded    = "PROFILE_NOT_LOADED"
	textCodeLoginFailed         = "LOGIN_FAILED"
	textCodeLogoutFailed        = "LOGOUT_FAILED"
	textCodeCredentialsFailed   = "CREDENTIALS_UPDATE_FAILED"
	textCodeProfileConflict     = "PROFILE_CONFLICT"
	textCodeProfileLookup       = "PROFILE_LOOKUP_FAILED"
	textCodeRelinkFailed        = "PROFILE_RELINK_FAILED"
	textCodeProfileCreate       = "PROFILE_CREATE_FAILED"
)

// ErrInvalidTransition is returned when a signal cannot move the session state.
var ErrInvalidTransition = goerrors.New("invalid session state transition", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidRegistration is returned when registration input fails validation.
var ErrInvalidRegistration = goerrors.New("invalid registration input", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidRegistration).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidProfilePatch is returned when a profile update fails validation.
var ErrInvalidProfilePatch = goerrors.New("invalid profile update", goerrors.CategoryValidation).
	WithTextCode(textCodeInvalidPatch).
	WithCode(goerrors.CodeBadRequest)

// ErrSignUpFailed wraps identity creation failures reported by the provider.
var ErrSignUpFailed = goerrors.New("identity creation failed", goerrors.CategoryAuth).
	WithTextCode(textCodeSignUpFailed).
	WithCode(goerrors.CodeBadRequest)

// ErrProfileWriteFailed is returned when the identity exists but its profile
// could not be written.
var ErrProfileWriteFailed = goerrors.New("profile write failed", goerrors.CategoryInternal).
	WithTextCode(textCodeProfileWriteFailed).
	WithCode(goerrors.CodeInternal)

// ErrProfileNotLoaded is returned by operations that need a resolved profile.
var ErrProfileNotLoaded = goerrors.New("no profile loaded", goerrors.CategoryAuth).
	WithTextCode(textCodeProfileNotLoaded).
	WithCode(goerrors.CodeUnauthorized)

// ErrLoginFailed wraps sign-in failures reported by the provider.
var ErrLoginFailed = goerrors.New("login failed", goerrors.CategoryAuth).
	WithTextCode(textCodeLoginFailed).
	WithCode(goerrors.CodeUnauthorized)

// ErrLogoutFailed wraps sign-out failures reported by the provider.
var ErrLogoutFailed = goerrors.New("logout failed", goerrors.CategoryInternal).
	WithTextCode(textCodeLogoutFailed).
	WithCode(goerrors.CodeInternal)

// ErrCredentialsUpdateFailed wraps password update failures.
var ErrCredentialsUpdateFailed = goerrors.New("credentials update failed", goerrors.CategoryAuth).
	WithTextCode(textCodeCredentialsFailed).
	WithCode(goerrors.CodeBadRequest)

// ErrProfileConflict is returned by stores when a write violates the unique
// email or primary key constraint.
var ErrProfileConflict = goerrors.New("profile already exists", goerrors.CategoryConflict).
	WithTextCode(textCodeProfileConflict).
	WithCode(goerrors.CodeConflict)

// ErrProfileLookup wraps store failures other than not-found.
var ErrProfileLookup = goerrors.New("profile lookup failed", goerrors.CategoryInternal).
	WithTextCode(textCodeProfileLookup).
	WithCode(goerrors.CodeInternal)

// ErrRelinkFailed reports that an email matched profile kept its old id.
var ErrRelinkFailed = goerrors.New("profile relink failed", goerrors.CategoryInternal).
	WithTextCode(textCodeRelinkFailed).
	WithCode(goerrors.CodeInternal)

// ErrProfileCreateFailed wraps failures inserting an auto-created profile.
var ErrProfileCreateFailed = goerrors.New("profile creation failed", goerrors.CategoryInternal).
	WithTextCode(textCodeProfileCreate).
	WithCode(goerrors.CodeInternal)

// TextCode returns the text code of the first go-errors value in err's chain.
func TextCode(err error) string {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}
