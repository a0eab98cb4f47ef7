// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/permission"
)

// PermissionsCatalog reads the "security.permissions" keypath and
// builds a permission.Catalog from it. The on-disk shape is a JSON
// array of objects; unrecognized or malformed rows are skipped rather
// than failing the whole catalog, since one operator typo in a
// hand-edited settings file should not take down every other rule.
func (s *Store) PermissionsCatalog() permission.Catalog {
	raw := s.GetSlice("security.permissions")
	catalog := make(permission.Catalog, 0, len(raw))

	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry, ok := parsePermissionEntry(row)
		if !ok {
			continue
		}
		catalog = append(catalog, entry)
	}
	return catalog
}

func parsePermissionEntry(row map[string]any) (permission.Entry, bool) {
	kindStr, _ := row["kind"].(string)
	var entry permission.Entry

	switch kindStr {
	case "anonymous":
		entry.Kind = permission.KindAnonymous
	case "logged-in":
		entry.Kind = permission.KindLoggedIn
	case "friend":
		entry.Kind = permission.KindFriend
	case "localhost":
		entry.Kind = permission.KindLocalhost
	case "username":
		entry.Kind = permission.KindUsername
		entry.Username, _ = row["username"].(string)
		if entry.Username == "" {
			return permission.Entry{}, false
		}
	case "group":
		entry.Kind = permission.KindGroup
		entry.Group, _ = row["group"].(string)
		entry.Rank, _ = row["rank"].(string)
		if entry.Group == "" {
			return permission.Entry{}, false
		}
	default:
		return permission.Entry{}, false
	}

	entry.Permissions = parsePermissionNames(row["permissions"])
	return entry, true
}

var permissionsByName = map[string]node.Permission{
	"connect":                  node.PermissionConnect,
	"rez":                      node.PermissionRez,
	"rez-temporary":            node.PermissionRezTemporary,
	"rez-certified":            node.PermissionRezCertified,
	"kick":                     node.PermissionKick,
	"replace-content":          node.PermissionReplaceContent,
	"write-assets":             node.PermissionWriteAssets,
	"ignore-max-capacity":      node.PermissionIgnoreMaxCapacity,
	"adjust-locks":             node.PermissionAdjustLocks,
	"rez-avatar-entities":      node.PermissionRezAvatarEntities,
	"get-and-set-private-data": node.PermissionGetAndSetPrivateUserData,
}

func parsePermissionNames(raw any) node.Permissions {
	names, ok := raw.([]any)
	if !ok {
		return 0
	}
	var result node.Permissions
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		if p, ok := permissionsByName[name]; ok {
			result = result.With(p)
		}
	}
	return result
}
