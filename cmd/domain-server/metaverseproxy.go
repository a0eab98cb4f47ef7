// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// metaverseProxy implements httpapi.MetaverseProxy by reverse-proxying
// the authenticated /api/domains and /api/places routes straight
// through to the metaverse, per spec.md §4.7. The domain server never
// inspects these bodies — it only adds its own access token so the
// metaverse can tell which domain is asking.
type metaverseProxy struct {
	target      *url.URL
	accessToken string
	proxy       *httputil.ReverseProxy
}

func newMetaverseProxy(baseURL, accessToken string) (*metaverseProxy, error) {
	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	p := &metaverseProxy{target: target, accessToken: accessToken}
	p.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			if accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+accessToken)
			}
		},
	}
	return p, nil
}

func (p *metaverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}
