package auth

// Guard decides whether a principal may proceed. A nil result allows; a
// denial is a *PermissionError. Guards never mutate shared state.
type Guard func(Principal) error

// Pipeline is an ordered list of guards evaluated before a handler runs.
type Pipeline []Guard

// Check runs every guard in order and returns the first denial.
func (p Pipeline) Check(principal Principal) error {
	for _, g := range p {
		if g == nil {
			continue
		}
		if err := g(principal); err != nil {
			return err
		}
	}
	return nil
}

// All sequences guards into one.
func All(guards ...Guard) Guard {
	p := Pipeline(guards)
	return p.Check
}

// RequireRoles allows principals whose role is one of allowed.
func RequireRoles(allowed ...Role) Guard {
	set := make(map[Role]struct{}, len(allowed))
	names := make([]string, 0, len(allowed))
	for _, r := range allowed {
		if _, dup := set[r]; dup {
			continue
		}
		set[r] = struct{}{}
		names = append(names, string(r))
	}
	return func(p Principal) error {
		if _, ok := set[p.Role]; ok {
			return nil
		}
		return &PermissionError{
			Required: append([]string(nil), names...),
			Actual:   string(p.Role),
			Reason:   "role not allowed",
		}
	}
}

// RequirePermissions allows principals whose role grants every permission
// in required. A denial lists exactly the missing ones.
func RequirePermissions(required ...string) Guard {
	required = append([]string(nil), required...)
	return func(p Principal) error {
		granted := rolePermissionIndex[p.Role]
		var missing []string
		for _, perm := range required {
			if _, ok := granted[perm]; !ok {
				missing = append(missing, perm)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		return &PermissionError{
			Required: append([]string(nil), required...),
			Actual:   string(p.Role),
			Missing:  missing,
			Reason:   "missing permissions",
		}
	}
}

// RequireVerified allows principals whose identity was verified.
func RequireVerified() Guard {
	return func(p Principal) error {
		if p.Verified {
			return nil
		}
		return &PermissionError{Actual: string(p.Role), Reason: "verified principal required"}
	}
}

// RequireModernAuth rejects principals admitted by the legacy secret.
func RequireModernAuth() Guard {
	return func(p Principal) error {
		if !p.Legacy {
			return nil
		}
		return &PermissionError{Actual: string(p.Role), Reason: "legacy credential not accepted"}
	}
}

var (
	AdminOnly      = RequireRoles(RoleAdmin)
	AdminOrSponsor = RequireRoles(RoleAdmin, RoleSponsor)
	VerifiedAdmin  = All(RequireRoles(RoleAdmin), RequireVerified())
	ModernAuthOnly = RequireModernAuth()
	// SensitiveAdmin guards abuse-prone admin operations such as outbound SMS.
	SensitiveAdmin = All(VerifiedAdmin, ModernAuthOnly)
)
