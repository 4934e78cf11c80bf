package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directory answers org-model questions: who holds which role, who leads
// which team, who belongs to which team.
type Directory interface {
	Roles(ctx context.Context, userID string) ([]string, error)
	LeadsTeam(ctx context.Context, userID, teamID string) (bool, error)
	MemberOf(ctx context.Context, userID, teamID string) (bool, error)
}

// RoleSysAdmin marks platform administrators in the directory.
const RoleSysAdmin = "SYS_ADMIN"

// DirectoryUser is one directory record.
type DirectoryUser struct {
	Roles []string `yaml:"roles,omitempty"`
	Teams []string `yaml:"teams,omitempty"`
	Leads []string `yaml:"leads,omitempty"`
}

// StaticDirectory is the file-backed directory: a user map loaded once at
// startup.
type StaticDirectory struct {
	users map[string]DirectoryUser
}

// NewStaticDirectory builds a directory from an in-memory user map.
func NewStaticDirectory(users map[string]DirectoryUser) *StaticDirectory {
	if users == nil {
		users = map[string]DirectoryUser{}
	}
	return &StaticDirectory{users: users}
}

// LoadDirectory reads a YAML user map:
//
//	users:
//	  alice:
//	    roles: [SYS_ADMIN]
//	    teams: [team-a]
//	    leads: [team-a]
func LoadDirectory(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	var doc struct {
		Users map[string]DirectoryUser `yaml:"users"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return NewStaticDirectory(doc.Users), nil
}

func (d *StaticDirectory) Roles(_ context.Context, userID string) ([]string, error) {
	return d.users[userID].Roles, nil
}

func (d *StaticDirectory) LeadsTeam(_ context.Context, userID, teamID string) (bool, error) {
	return contains(d.users[userID].Leads, teamID), nil
}

func (d *StaticDirectory) MemberOf(_ context.Context, userID, teamID string) (bool, error) {
	return contains(d.users[userID].Teams, teamID), nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
