package httpapi

import (
	"net/http"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer abc.def.ghi", "abc.def.ghi", false},
		{"  Bearer   spaced  ", "spaced", false},
		{"", "", true},
		{"Bearer ", "", true},
		{"Basic dXNlcjpwYXNz", "", true},
		{"abc.def.ghi", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error, got token %q", tc.header, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("header %q: %v", tc.header, err)
		}
		if got != tc.want {
			t.Fatalf("header %q: token = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	env := newTestAPI(t)

	for _, path := range []string{"/v1/patients", "/v1/admin/users", "/v1/admin/audit-logs"} {
		resp := env.get(path, nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status %d, want 401", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	env := newTestAPI(t)

	resp := env.get("/v1/patients", nil, "not-a-jwt")
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestPublicPathsSkipAuth(t *testing.T) {
	env := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		resp := env.get(path, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	env := newTestAPI(t)
	token := env.adminToken()

	resp := env.get("/v1/patients", nil, token+"tamper")
	wantStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}
