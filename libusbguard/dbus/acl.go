package dbus

import (
	"fmt"
	"strconv"

	"github.com/moby/sys/user"
)

// ACL decides which local users may use the control interface. Root is
// always allowed.
type ACL struct {
	uids map[int]bool
	gids map[int]bool

	passwdPath string
	groupPath  string
}

// NewACL resolves the configured user and group names, or numeric ids,
// against the system passwd and group databases.
func NewACL(users, groups []string) (*ACL, error) {
	passwd, err := user.GetPasswdPath()
	if err != nil {
		return nil, err
	}
	group, err := user.GetGroupPath()
	if err != nil {
		return nil, err
	}
	return newACL(users, groups, passwd, group)
}

func newACL(users, groups []string, passwdPath, groupPath string) (*ACL, error) {
	a := &ACL{
		uids:       make(map[int]bool),
		gids:       make(map[int]bool),
		passwdPath: passwdPath,
		groupPath:  groupPath,
	}
	for _, name := range users {
		uid, err := a.lookupUser(name)
		if err != nil {
			return nil, err
		}
		a.uids[uid] = true
	}
	for _, name := range groups {
		gid, err := a.lookupGroup(name)
		if err != nil {
			return nil, err
		}
		a.gids[gid] = true
	}
	return a, nil
}

func (a *ACL) lookupUser(name string) (int, error) {
	if uid, err := strconv.Atoi(name); err == nil {
		return uid, nil
	}
	users, err := user.ParsePasswdFileFilter(a.passwdPath, func(u user.User) bool {
		return u.Name == name
	})
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("unknown user %q", name)
	}
	return users[0].Uid, nil
}

func (a *ACL) lookupGroup(name string) (int, error) {
	if gid, err := strconv.Atoi(name); err == nil {
		return gid, nil
	}
	groups, err := user.ParseGroupFileFilter(a.groupPath, func(g user.Group) bool {
		return g.Name == name
	})
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, fmt.Errorf("unknown group %q", name)
	}
	return groups[0].Gid, nil
}

// Allowed reports whether uid may use the control interface: it is root,
// listed itself, or has a listed group as its primary or a supplementary
// group.
func (a *ACL) Allowed(uid uint32) (bool, error) {
	if uid == 0 || a.uids[int(uid)] {
		return true, nil
	}
	if len(a.gids) == 0 {
		return false, nil
	}
	eu, err := user.GetExecUserPath(strconv.FormatUint(uint64(uid), 10), &user.ExecUser{Uid: int(uid), Gid: -1}, a.passwdPath, a.groupPath)
	if err != nil {
		return false, err
	}
	if a.gids[eu.Gid] {
		return true, nil
	}
	for _, gid := range eu.Sgids {
		if a.gids[gid] {
			return true, nil
		}
	}
	return false, nil
}
