// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net"

	"github.com/joy-highfidelity/hifi/internal/settings"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

// settingsBanList implements gatekeeper.BanList over the settings
// tree, reading "security.banned_usernames" and
// "security.banned_addresses" on every call so a ban takes effect on
// the operator's next settings write without a domain-server restart.
type settingsBanList struct {
	store *settings.Store
}

func (b settingsBanList) IsBanned(username string, addr wire.SocketAddress) bool {
	if username != "" {
		for _, item := range b.store.GetSlice("security.banned_usernames") {
			if name, ok := item.(string); ok && name == username {
				return true
			}
		}
	}
	ip := net.IP(addr.Addr).String()
	for _, item := range b.store.GetSlice("security.banned_addresses") {
		if banned, ok := item.(string); ok && banned == ip {
			return true
		}
	}
	return false
}

// settingsFriendList implements gatekeeper.FriendList over the
// "security.friends" keypath — usernames the domain owner has marked
// as friends, per spec.md §3's friend permission tier.
type settingsFriendList struct {
	store *settings.Store
}

func (f settingsFriendList) IsFriend(username string) bool {
	if username == "" {
		return false
	}
	for _, item := range f.store.GetSlice("security.friends") {
		if name, ok := item.(string); ok && name == username {
			return true
		}
	}
	return false
}
