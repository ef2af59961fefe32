package auth

const (
	PermContestEntry         = "contest_entry"
	PermProfileManagement    = "profile_management"
	PermContestCreation      = "contest_creation"
	PermContestManagement    = "contest_management"
	PermEntryViewing         = "entry_viewing"
	PermBasicAnalytics       = "basic_analytics"
	PermWinnerSelection      = "winner_selection"
	PermUserManagement       = "user_management"
	PermSMSNotifications     = "sms_notifications"
	PermSystemAdministration = "system_administration"
	PermCampaignImport       = "campaign_import"
	PermAuditLogs            = "audit_logs"
)

// Each role inherits everything the role below it holds.
var (
	userPermissions = []string{
		PermContestEntry,
		PermProfileManagement,
	}
	sponsorPermissions = concat(userPermissions, []string{
		PermContestCreation,
		PermContestManagement,
		PermEntryViewing,
		PermBasicAnalytics,
	})
	adminPermissions = concat(sponsorPermissions, []string{
		PermWinnerSelection,
		PermUserManagement,
		PermSMSNotifications,
		PermSystemAdministration,
		PermCampaignImport,
		PermAuditLogs,
	})
)

// rolePermissions is the static role table. RoleRefresh is deliberately absent.
var rolePermissions = map[Role][]string{
	RoleAdmin:   adminPermissions,
	RoleSponsor: sponsorPermissions,
	RoleUser:    userPermissions,
}

var rolePermissionIndex = buildIndex(rolePermissions)

// PermissionSet returns the ordered permissions granted to role. Unknown
// roles get an empty set.
func PermissionSet(role Role) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Roles lists the roles present in the permission table.
func Roles() []Role {
	return []Role{RoleAdmin, RoleSponsor, RoleUser}
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func buildIndex(table map[Role][]string) map[Role]map[string]struct{} {
	idx := make(map[Role]map[string]struct{}, len(table))
	for role, perms := range table {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		idx[role] = set
	}
	return idx
}
