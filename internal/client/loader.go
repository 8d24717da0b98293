package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatfleet/internal/presence"
)

// HTTPLoader reads history and the room list from the control API.
type HTTPLoader struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPLoader(baseURL, token string, hc *http.Client) *HTTPLoader {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

func (l *HTTPLoader) History(ctx context.Context, room string, limit int) ([]presence.Message, error) {
	var out []presence.Message
	path := fmt.Sprintf("/rooms/%s/history?limit=%d", url.PathEscape(room), limit)
	if err := l.GetJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *HTTPLoader) Rooms(ctx context.Context) ([]presence.RoomInfo, error) {
	var out struct {
		Live []presence.RoomInfo `json:"live"`
	}
	if err := l.GetJSON(ctx, "/rooms", &out); err != nil {
		return nil, err
	}
	return out.Live, nil
}

// GetJSON fetches path and decodes the body into out.
func (l *HTTPLoader) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return err
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
