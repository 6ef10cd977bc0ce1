package httpapi

import (
	"net/http"
	"testing"
)

func TestProtectedRoutesRequireBearer(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/tokens", issueTokenRequest{
		SubjectID:       "patient-1",
		DurationSeconds: 60,
		Permissions:     []string{"view_history"},
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing bearer status = %d", resp.StatusCode)
	}

	resp = c.post("/v1/tokens", nil, bearerHeader("not-a-jwt"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage bearer status = %d", resp.StatusCode)
	}

	resp = c.post("/v1/tokens", nil, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", resp.StatusCode)
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		resp := c.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer abc.def.ghi", "abc.def.ghi", false},
		{"Bearer   padded  ", "padded", false},
		{"", "", true},
		{"Bearer ", "", true},
		{"Token abc", "", true},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("header %q: expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("header %q: got %q, %v", tc.header, got, err)
		}
	}
}
