package local

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials = "LOCAL_INVALID_CREDENTIALS"
	TextCodeEmailTaken         = "LOCAL_EMAIL_TAKEN"
	TextCodeEmailNotConfirmed  = "LOCAL_EMAIL_NOT_CONFIRMED"
	TextCodeNotSignedIn        = "LOCAL_NOT_SIGNED_IN"
	TextCodeTooManyAttempts    = "LOCAL_TOO_MANY_ATTEMPTS"
	TextCodeIdentityNotFound   = "LOCAL_IDENTITY_NOT_FOUND"
	TextCodeTokenInvalid       = "LOCAL_TOKEN_INVALID"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = goerrors.New("invalid login credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrEmailTaken is returned by SignUp when the email is already registered.
var ErrEmailTaken = goerrors.New("user already registered", goerrors.CategoryConflict).
	WithTextCode(TextCodeEmailTaken).
	WithCode(goerrors.CodeConflict)

// ErrEmailNotConfirmed is returned when signing in before confirmation.
var ErrEmailNotConfirmed = goerrors.New("email not confirmed", goerrors.CategoryAuth).
	WithTextCode(TextCodeEmailNotConfirmed).
	WithCode(goerrors.CodeForbidden)

// ErrNotSignedIn is returned by operations that need a session.
var ErrNotSignedIn = goerrors.New("not signed in", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotSignedIn).
	WithCode(goerrors.CodeUnauthorized)

// ErrTooManyLoginAttempts is returned while an identity is cooling down.
var ErrTooManyLoginAttempts = goerrors.New("too many login attempts", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyAttempts).
	WithCode(goerrors.CodeForbidden)

// ErrIdentityNotFound is returned by Confirm for an unknown email.
var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTokenInvalid is returned when a session token fails validation.
var ErrTokenInvalid = goerrors.New("session token invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeUnauthorized)
