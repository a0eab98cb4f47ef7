// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/joy-highfidelity/hifi/internal/gatekeeper"
	"github.com/joy-highfidelity/hifi/internal/permission"
	"github.com/joy-highfidelity/hifi/lib/netutil"
)

// metaverseIdentityVerifier implements gatekeeper.IdentityVerifier by
// asking the metaverse to check a candidate's signed username token,
// per spec.md §4.2 step 3's user path. One HTTP round trip per
// connect attempt, bounded by the caller's ctx.
type metaverseIdentityVerifier struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func newMetaverseIdentityVerifier(baseURL, accessToken string) *metaverseIdentityVerifier {
	return &metaverseIdentityVerifier{baseURL: baseURL, accessToken: accessToken, client: &http.Client{}}
}

func (v *metaverseIdentityVerifier) Verify(ctx context.Context, identity gatekeeper.SignedIdentity) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/users/%s/verify", v.baseURL, identity.Username)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, fmt.Errorf("identity verifier: building request: %w", err)
	}
	req.Header.Set("X-Domain-Token", hex.EncodeToString(identity.Token))
	req.Header.Set("X-Domain-Signature", hex.EncodeToString(identity.Signature))
	v.authorize(req)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("identity verifier: contacting metaverse: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("identity verifier: metaverse returned %d: %s", resp.StatusCode, netutil.ErrorBody(resp.Body))
	}
}

func (v *metaverseIdentityVerifier) authorize(req *http.Request) {
	if v.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+v.accessToken)
	}
}

// metaverseGroupLookup implements gatekeeper.GroupLookup against the
// metaverse's group-membership API, per spec.md §4.2 step 4. Bounded
// by the caller's ctx, which the gatekeeper sets to GroupLookupDeadline
// so a slow metaverse degrades admission rather than blocking it.
type metaverseGroupLookup struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func newMetaverseGroupLookup(baseURL, accessToken string) *metaverseGroupLookup {
	return &metaverseGroupLookup{baseURL: baseURL, accessToken: accessToken, client: &http.Client{}}
}

type groupMembershipResponse struct {
	Groups []struct {
		Group string `json:"group"`
		Rank  string `json:"rank"`
	} `json:"groups"`
}

func (g *metaverseGroupLookup) Lookup(ctx context.Context, username string) ([]permission.GroupMembership, error) {
	url := fmt.Sprintf("%s/api/v1/users/%s/groups", g.baseURL, username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("group lookup: building request: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("group lookup: contacting metaverse: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("group lookup: metaverse returned %d: %s", resp.StatusCode, netutil.ErrorBody(resp.Body))
	}

	var out groupMembershipResponse
	if err := netutil.DecodeResponse(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("group lookup: decoding response: %w", err)
	}

	memberships := make([]permission.GroupMembership, 0, len(out.Groups))
	for _, g := range out.Groups {
		memberships = append(memberships, permission.GroupMembership{Group: g.Group, Rank: g.Rank})
	}
	return memberships, nil
}

func (g *metaverseGroupLookup) authorize(req *http.Request) {
	if g.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.accessToken)
	}
}
