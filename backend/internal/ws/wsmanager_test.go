package ws

import (
	"net/http/httptest"
	"testing"
)

func TestManager_CheckOrigin(t *testing.T) {
	m := NewManager(NewHub(), nil, Options{AllowedOrigins: []string{"https://docs.example.com", "http://app.example.com:8080"}})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"http://localhost", true},
		{"http://localhost:3000", true},
		{"https://127.0.0.1:8443", true},
		{"http://localhost.evil.com", false},
		{"http://127.0.0.1.evil.com:3000", false},
		{"ws://localhost:3000", false},
		{"https://docs.example.com", true},
		{"https://docs.example.com:444", true},
		{"https://docs.example.com.evil.com", false},
		{"http://docs.example.com", false},
		{"http://app.example.com:8080", true},
		{"http://app.example.com:8081", false},
		{"http://app.example.com", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := m.checkOrigin(r); got != tc.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}

	all := NewManager(NewHub(), nil, Options{AllowedOrigins: []string{"*"}})
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.org")
	if !all.checkOrigin(r) {
		t.Fatalf("wildcard rejected an origin")
	}
}
