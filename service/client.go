// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type ClientConfig struct {
	// The HTTP(s) URL of the callhub service, e.g. http://localhost:8045.
	URL string

	httpURL string
	wsURL   string
}

func (c *ClientConfig) Parse() error {
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}

	u, err := url.Parse(strings.TrimSuffix(c.URL, "/"))
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}

	switch u.Scheme {
	case "http":
		c.httpURL = u.String()
		u.Scheme = "ws"
	case "https":
		c.httpURL = u.String()
		u.Scheme = "wss"
	default:
		return fmt.Errorf(`invalid URL value: should start with "http://" or "https://"`)
	}
	c.wsURL = u.String() + "/ws"

	return nil
}

// Client is a small HTTP client for the callhub service API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	dialFn     DialContextFn
}

func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	c := &Client{
		cfg: cfg,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	dialFn := c.dialFn
	if dialFn == nil {
		dialFn = (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	c.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialFn,
			MaxIdleConns:          10,
			ResponseHeaderTimeout: 10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
		},
	}

	return c, nil
}

// WebSocketURL returns the URL signaling clients should connect to.
func (c *Client) WebSocketURL() string {
	return c.cfg.wsURL
}

func (c *Client) GetVersion(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	err := c.getJSON(ctx, "/version", &info)
	return info, err
}

func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.getJSON(ctx, "/stats", &stats)
	return stats, err
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.httpURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respData := map[string]string{}
		if err := json.NewDecoder(resp.Body).Decode(&respData); err == nil && respData["error"] != "" {
			return fmt.Errorf("request failed: %s", respData["error"])
		}
		return fmt.Errorf("request failed with status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding http response failed: %w", err)
	}

	return nil
}
