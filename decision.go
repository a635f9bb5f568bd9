package account

// DecisionKind tags the outcome of Decide.
type DecisionKind string

const (
	// DecisionUseExisting returns the row already keyed by the identity id.
	DecisionUseExisting DecisionKind = "use_existing"
	// DecisionRelink moves the row found by email to the identity id.
	DecisionRelink DecisionKind = "relink"
	// DecisionCreate inserts Draft.
	DecisionCreate DecisionKind = "create"
	// DecisionDefer leaves creation to the caller.
	DecisionDefer DecisionKind = "defer"
)

// Decision is what the resolver should do for one identity.
type Decision struct {
	Kind DecisionKind
	// Existing is the row found by id (UseExisting) or by email (Relink).
	Existing *Profile
	// Draft is the row to insert for DecisionCreate.
	Draft *Profile
}

// Decide maps an identity and the rows found for it to a Decision. byEmail is
// only consulted when byID is nil. It performs no I/O.
func Decide(identity Identity, byID, byEmail *Profile, autoCreate bool, defaults DefaultsFunc) Decision {
	if byID != nil {
		return Decision{Kind: DecisionUseExisting, Existing: byID}
	}

	if byEmail != nil {
		if byEmail.ID == identity.ID {
			return Decision{Kind: DecisionUseExisting, Existing: byEmail}
		}
		return Decision{Kind: DecisionRelink, Existing: byEmail}
	}

	if !autoCreate {
		return Decision{Kind: DecisionDefer}
	}

	if defaults == nil {
		defaults = NewDefaults(DemoEmail)
	}
	draft := defaults(identity)
	if draft == nil {
		return Decision{Kind: DecisionDefer}
	}
	draft.ID = identity.ID
	draft.Email = NormalizeEmail(identity.Email)
	return Decision{Kind: DecisionCreate, Draft: draft}
}
