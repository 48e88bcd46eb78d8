package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TargetInfo describes one debuggable target as listed by the discovery
// endpoint.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ErrNoTarget is returned by Discover when the endpoint lists no
// debuggable page.
var ErrNoTarget = errors.New("no debuggable target found")

// Discover lists the targets of an HTTP discovery endpoint
// (http://host:port) and returns the first page that can be attached to.
func Discover(ctx context.Context, endpoint string) (*TargetInfo, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing targets: %s", resp.Status)
	}
	var targets []TargetInfo
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decoding target list: %w", err)
	}
	for i := range targets {
		if targets[i].Type == "page" && targets[i].WebSocketDebuggerURL != "" {
			return &targets[i], nil
		}
	}
	return nil, ErrNoTarget
}

// Dial connects to endpoint, which is either a websocket debugger URL or
// an HTTP discovery endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, *TargetInfo, error) {
	info := &TargetInfo{WebSocketDebuggerURL: endpoint, URL: endpoint}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		var err error
		info, err = Discover(ctx, endpoint)
		if err != nil {
			return nil, nil, err
		}
	}
	t, err := DialWebSocket(ctx, info.WebSocketDebuggerURL)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(t), info, nil
}
