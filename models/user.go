package models

import (
	"slices"
	"time"
)

type AccountRole string

const (
	RoleApplicationAdmin AccountRole = "ApplicationAdmin"
	RoleAccountAdmin     AccountRole = "AccountAdmin"
	RoleProjectAdmin     AccountRole = "ProjectAdmin"
)

// Account is a hub the user has access to.
type Account struct {
	HubID      string   `json:"hubId"`
	Name       string   `json:"name"`
	Region     string   `json:"region"`
	ProjectIDs []string `json:"projectIds"`
}

// Permission grants a role, either application-wide or scoped to an account's projects.
type Permission struct {
	Role       AccountRole `json:"role"`
	HubID      string      `json:"hubId,omitempty"`
	ProjectIDs []string    `json:"projectIds,omitempty"`
}

// User carries the delegated credential pair; the store persists refreshes.
type User struct {
	ID              string       `json:"id"`
	Email           string       `json:"email"`
	Token           string       `json:"-"`
	Refresh         string       `json:"-"`
	TokenExpiration time.Time    `json:"-"`
	Accounts        []Account    `json:"accounts"`
	Permissions     []Permission `json:"permissions"`
}

// HasPermission reports whether u holds role for projectID. An empty
// projectID checks for the role anywhere.
func (u *User) HasPermission(role AccountRole, projectID string) bool {
	if u == nil {
		return false
	}
	for _, p := range u.Permissions {
		if p.Role != role {
			continue
		}
		if role == RoleApplicationAdmin || projectID == "" {
			return true
		}
		if slices.Contains(p.ProjectIDs, projectID) {
			return true
		}
		if p.HubID != "" {
			if acct, ok := u.AccountForProject(projectID); ok && acct.HubID == p.HubID {
				return true
			}
		}
	}
	return false
}

func (u *User) AccountForProject(projectID string) (Account, bool) {
	for _, a := range u.Accounts {
		if slices.Contains(a.ProjectIDs, projectID) {
			return a, true
		}
	}
	return Account{}, false
}
