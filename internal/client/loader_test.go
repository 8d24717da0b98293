package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatfleet/internal/presence"
)

func TestHTTPLoaderReadsControlAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cf_view" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/rooms/lobby/history":
			if r.URL.Query().Get("limit") != "25" {
				t.Errorf("limit=%q", r.URL.Query().Get("limit"))
			}
			_ = json.NewEncoder(w).Encode([]presence.Message{{ID: "m1", RoomID: "lobby", SenderID: 7, Username: "nova", Content: "hi"}})
		case r.URL.Path == "/rooms":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"registry": []string{"lobby"},
				"live":     []presence.RoomInfo{{Name: "lobby", Occupancy: 2}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	loader := NewHTTPLoader(srv.URL+"/", "cf_view", srv.Client())
	msgs, err := loader.History(ctx, "lobby", 25)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("history=%+v", msgs)
	}
	rooms, err := loader.Rooms(ctx)
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Occupancy != 2 {
		t.Fatalf("rooms=%+v", rooms)
	}

	denied := NewHTTPLoader(srv.URL, "wrong", srv.Client())
	if _, err := denied.Rooms(ctx); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err=%v want 401", err)
	}
}
