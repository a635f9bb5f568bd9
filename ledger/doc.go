// Package ledger provides RegistrationLedger implementations that mark
// registrations in flight by normalized email.
//
// Memory keeps markers in process and is the default. Redis shares markers
// between processes that observe the same identity provider.
package ledger
