// Package account keeps the clinic's local Profile records in step with the
// identities issued by an external authentication provider.
//
// Resolution:
//   - Resolver maps one Identity to exactly one Profile. Lookups go by identity
//     id first and by email second; an email match under an older id is relinked
//     to the current id instead of duplicated. Decide holds the branching logic
//     as a pure function so it can be tested without a store.
//
// Session lifecycle:
//   - Monitor subscribes to the provider's session events for the lifetime of
//     the process and drives resolution on every sign-in. PhaseMachine owns the
//     observable state (Initializing, Unauthenticated, Resolving, Authenticated,
//     Unresolved) and rejects transitions that would, for example, settle a
//     profile for an identity that already signed out.
//
// Registration:
//   - Registrar performs the explicit sign-up journey. It holds a marker in the
//     RegistrationLedger for the registering email so the Monitor does not
//     auto-create a default profile for the sign-in that sign-up itself emits.
//     The marker is released on every exit path.
//
// Facade is the single entry point for application code: Login, Register,
// UpdateProfile, ChangePassword, Logout and an observable State.
package account
