// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joy-highfidelity/hifi/internal/heartbeat"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/netutil"
)

// httpMetaverseClient implements heartbeat.MetaverseClient against the
// real metaverse HTTP API. Injected behind the interface so
// internal/heartbeat's own tests never make a network call.
type httpMetaverseClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func newHTTPMetaverseClient(baseURL, accessToken string) *httpMetaverseClient {
	return &httpMetaverseClient{baseURL: baseURL, accessToken: accessToken, client: &http.Client{}}
}

type heartbeatRequest struct {
	Domain heartbeatRequestDomain `json:"domain"`
}

type heartbeatRequestDomain struct {
	Version             string `json:"version"`
	ProtocolSignature   string `json:"protocol"`
	AutomaticNetworking string `json:"automatic_networking"`
	Restricted          bool   `json:"restricted"`
	Heartbeat           heartbeatStats `json:"heartbeat"`
}

type heartbeatStats struct {
	Users int `json:"num_users"`
}

func (c *httpMetaverseClient) PutHeartbeat(ctx context.Context, domainID string, body heartbeat.DomainHeartbeatRequest) (int, error) {
	payload, err := json.Marshal(heartbeatRequest{Domain: heartbeatRequestDomain{
		Version:             body.Version,
		ProtocolSignature:   body.ProtocolSignature,
		AutomaticNetworking: body.AutomaticNetworking,
		Restricted:          body.Restricted,
		Heartbeat:           heartbeatStats{Users: body.Heartbeat.Users},
	}})
	if err != nil {
		return 0, fmt.Errorf("metaverse client: encoding heartbeat: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/domains/%s", c.baseURL, domainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("metaverse client: building heartbeat request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metaverse client: sending heartbeat: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *httpMetaverseClient) ObtainTemporaryName(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/v1/domains/temporary", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("metaverse client: building temporary-name request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metaverse client: requesting temporary name: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("metaverse client: temporary name request returned %d: %s", resp.StatusCode, netutil.ErrorBody(resp.Body))
	}

	var out struct {
		Domain struct {
			ID string `json:"id"`
		} `json:"domain"`
	}
	if err := netutil.DecodeResponse(resp.Body, &out); err != nil {
		return "", fmt.Errorf("metaverse client: decoding temporary name response: %w", err)
	}
	return out.Domain.ID, nil
}

func (c *httpMetaverseClient) PostAddressUpdate(ctx context.Context, domainID string, public, local wire.SocketAddress) error {
	payload, err := json.Marshal(struct {
		Domain struct {
			NetworkAddress      string `json:"network_address"`
			NetworkPort         int    `json:"network_port"`
			LocalNetworkAddress string `json:"local_network_address"`
			LocalNetworkPort    int    `json:"local_network_port"`
		} `json:"domain"`
	}{Domain: struct {
		NetworkAddress      string `json:"network_address"`
		NetworkPort         int    `json:"network_port"`
		LocalNetworkAddress string `json:"local_network_address"`
		LocalNetworkPort    int    `json:"local_network_port"`
	}{
		NetworkAddress:      socketAddressIP(public),
		NetworkPort:         int(public.Port),
		LocalNetworkAddress: socketAddressIP(local),
		LocalNetworkPort:    int(local.Port),
	}})
	if err != nil {
		return fmt.Errorf("metaverse client: encoding address update: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/domains/%s/network_address", c.baseURL, domainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("metaverse client: building address update request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("metaverse client: sending address update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("metaverse client: address update returned %d: %s", resp.StatusCode, netutil.ErrorBody(resp.Body))
	}
	return nil
}

func (c *httpMetaverseClient) authorize(req *http.Request) {
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
}
