package auth

import (
	"errors"
	"slices"
	"testing"
)

func TestPermissionSetHierarchy(t *testing.T) {
	admin := PermissionSet(RoleAdmin)
	sponsor := PermissionSet(RoleSponsor)
	user := PermissionSet(RoleUser)

	for _, p := range sponsor {
		if !slices.Contains(admin, p) {
			t.Fatalf("admin lacks sponsor permission %q", p)
		}
	}
	for _, p := range user {
		if !slices.Contains(sponsor, p) {
			t.Fatalf("sponsor lacks user permission %q", p)
		}
	}
	for _, role := range Roles() {
		if len(PermissionSet(role)) == 0 {
			t.Fatalf("role %s has an empty permission set", role)
		}
	}
	if got := PermissionSet("nonexistent-role"); len(got) != 0 {
		t.Fatalf("expected empty set for unknown role, got %v", got)
	}
	if got := PermissionSet(RoleRefresh); len(got) != 0 {
		t.Fatalf("refresh role must grant nothing, got %v", got)
	}
}

func TestPermissionSetReturnsCopy(t *testing.T) {
	perms := PermissionSet(RoleUser)
	perms[0] = PermSystemAdministration
	if slices.Contains(PermissionSet(RoleUser), PermSystemAdministration) {
		t.Fatal("mutating the returned slice changed the role table")
	}
}

func TestPrincipalPermissions(t *testing.T) {
	p := Principal{Subject: "1", Role: RoleSponsor}
	if !p.HasPermission(PermContestCreation) {
		t.Fatalf("expected permission")
	}
	if p.HasPermission(PermWinnerSelection) {
		t.Fatalf("unexpected permission")
	}
	if !slices.Equal(p.Permissions(), PermissionSet(RoleSponsor)) {
		t.Fatalf("unexpected permissions: %v", p.Permissions())
	}
}

func TestRequireRoles(t *testing.T) {
	guard := RequireRoles(RoleAdmin, RoleSponsor, RoleAdmin)
	if err := guard(Principal{Role: RoleSponsor}); err != nil {
		t.Fatalf("sponsor denied: %v", err)
	}
	err := guard(Principal{Role: RoleUser})
	if !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("expected ErrInsufficientPermission, got %v", err)
	}
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PermissionError, got %T", err)
	}
	if perr.Actual != "user" || !slices.Equal(perr.Required, []string{"admin", "sponsor"}) {
		t.Fatalf("unexpected denial detail: %+v", perr)
	}
}

func TestRequirePermissionsReportsMissingSubset(t *testing.T) {
	guard := RequirePermissions(PermContestEntry, PermEntryViewing, PermAuditLogs)
	if err := guard(Principal{Role: RoleAdmin}); err != nil {
		t.Fatalf("admin denied: %v", err)
	}

	var perr *PermissionError
	if !errors.As(guard(Principal{Role: RoleUser}), &perr) {
		t.Fatal("expected user to be denied")
	}
	if !slices.Equal(perr.Missing, []string{PermEntryViewing, PermAuditLogs}) {
		t.Fatalf("unexpected missing set: %v", perr.Missing)
	}

	if !errors.As(guard(Principal{Role: "ghost"}), &perr) {
		t.Fatal("expected unknown role to be denied")
	}
	if len(perr.Missing) != 3 {
		t.Fatalf("unknown role should miss everything, got %v", perr.Missing)
	}
}

func TestComposedGuards(t *testing.T) {
	jwtAdmin := Principal{Subject: "1", Role: RoleAdmin, Verified: true}
	legacyAdmin := Principal{Subject: legacySubject, Role: RoleAdmin, Legacy: true}
	unverifiedAdmin := Principal{Subject: "2", Role: RoleAdmin}
	sponsor := Principal{Subject: "3", Role: RoleSponsor, Verified: true}

	cases := []struct {
		name  string
		guard Guard
		p     Principal
		allow bool
	}{
		{"admin only accepts jwt admin", AdminOnly, jwtAdmin, true},
		{"admin only accepts legacy admin", AdminOnly, legacyAdmin, true},
		{"sensitive accepts jwt admin", SensitiveAdmin, jwtAdmin, true},
		{"sensitive rejects legacy admin", SensitiveAdmin, legacyAdmin, false},
		{"verified admin rejects unverified", VerifiedAdmin, unverifiedAdmin, false},
		{"admin or sponsor accepts sponsor", AdminOrSponsor, sponsor, true},
		{"verified admin rejects sponsor", VerifiedAdmin, sponsor, false},
		{"modern auth rejects legacy", ModernAuthOnly, legacyAdmin, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.guard(tc.p)
			if tc.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allow && !errors.Is(err, ErrInsufficientPermission) {
				t.Fatalf("expected denial, got %v", err)
			}
		})
	}
}

func TestPipelineStopsAtFirstDenial(t *testing.T) {
	var calls []string
	record := func(name string, deny bool) Guard {
		return func(Principal) error {
			calls = append(calls, name)
			if deny {
				return &PermissionError{Reason: name}
			}
			return nil
		}
	}
	err := Pipeline{record("a", false), nil, record("b", true), record("c", false)}.Check(Principal{})
	var perr *PermissionError
	if !errors.As(err, &perr) || perr.Reason != "b" {
		t.Fatalf("expected denial from b, got %v", err)
	}
	if !slices.Equal(calls, []string{"a", "b"}) {
		t.Fatalf("unexpected evaluation order: %v", calls)
	}
}
