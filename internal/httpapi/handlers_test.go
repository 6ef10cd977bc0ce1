package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/qr"
	"medvault.org/internal/stream"
	"medvault.org/internal/token"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	ledger audit.Ledger
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("MEDVAULT_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	key, err := qr.GenerateKey()
	if err != nil {
		t.Fatalf("generate qr key: %v", err)
	}
	codec, err := qr.NewCodec(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	st := stream.New()
	ledger := stream.NewLedger(audit.NewInMemory(), st)
	manager := token.NewManager(token.NewInMemory(), ledger)

	api := New(ReadyProbe{}, "test", manager, ledger, codec, st)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		ledger:  ledger,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(actorID string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"actor_id": actorID,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload authTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (c *apiClient) issue(bearerToken, subjectID string, perms []string, mode string, includeQR bool) issueTokenResponse {
	c.t.Helper()
	resp := c.post("/v1/tokens", issueTokenRequest{
		SubjectID:       subjectID,
		DurationSeconds: 300,
		Permissions:     perms,
		UsageMode:       mode,
		IncludeQR:       includeQR,
	}, bearerHeader(bearerToken))
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("issue status = %d", resp.StatusCode)
	}
	return decode[issueTokenResponse](c.t, resp)
}

func TestIssueValidateRevokeFlow(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")
	clinician := c.obtainToken("clinician-9")

	issued := c.issue(patient, "patient-1", []string{"view_history", "view_lab_results"}, "single_use", false)
	if issued.Token.Code == "" || issued.Token.State != token.StateActive {
		t.Fatalf("unexpected issued token: %+v", issued.Token)
	}

	resp := c.post("/v1/tokens/validate", validateRequest{Code: issued.Token.Code}, bearerHeader(clinician))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d", resp.StatusCode)
	}
	grant := decode[token.Grant](t, resp)
	if grant.SubjectID != "patient-1" {
		t.Fatalf("grant subject = %q", grant.SubjectID)
	}

	// Single use: second presentation conflicts.
	resp = c.post("/v1/tokens/validate", validateRequest{Code: issued.Token.Code}, bearerHeader(clinician))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second validate status = %d", resp.StatusCode)
	}

	// Revocation takes effect before any use.
	second := c.issue(patient, "patient-1", []string{"view_vitals"}, "multi_use", false)
	resp = c.post("/v1/tokens/revoke", revokeRequest{Code: second.Token.Code}, bearerHeader(patient))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp = c.post("/v1/tokens/validate", validateRequest{Code: second.Token.Code}, bearerHeader(clinician))
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("validate revoked status = %d", resp.StatusCode)
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")

	cases := []struct {
		name string
		req  issueTokenRequest
	}{
		{"missing subject", issueTokenRequest{DurationSeconds: 60, Permissions: []string{"view_history"}}},
		{"zero duration", issueTokenRequest{SubjectID: "patient-1", Permissions: []string{"view_history"}}},
		{"empty permissions", issueTokenRequest{SubjectID: "patient-1", DurationSeconds: 60}},
		{"unknown permission", issueTokenRequest{SubjectID: "patient-1", DurationSeconds: 60, Permissions: []string{"delete_everything"}}},
		{"bad usage mode", issueTokenRequest{SubjectID: "patient-1", DurationSeconds: 60, Permissions: []string{"view_history"}, UsageMode: "forever"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/tokens", tc.req, bearerHeader(patient))
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
		})
	}
}

func TestRevokeRequiresAuthorization(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")
	stranger := c.obtainToken("stranger-2")

	issued := c.issue(patient, "patient-1", []string{"view_history"}, "multi_use", false)

	resp := c.post("/v1/tokens/revoke", revokeRequest{Code: issued.Token.Code}, bearerHeader(stranger))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger revoke status = %d", resp.StatusCode)
	}
}

func TestUnknownCodeNotFound(t *testing.T) {
	c := newTestAPI(t)
	clinician := c.obtainToken("clinician-9")

	resp := c.post("/v1/tokens/validate", validateRequest{Code: "NO5VCH99"}, bearerHeader(clinician))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestQRValidateFlow(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")
	clinician := c.obtainToken("clinician-9")

	issued := c.issue(patient, "patient-1", []string{"view_medications"}, "single_use", true)
	if issued.QR == "" {
		t.Fatal("expected a qr payload")
	}

	resp := c.post("/v1/qr/validate", qrValidateRequest{Payload: issued.QR}, bearerHeader(clinician))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("qr validate status = %d", resp.StatusCode)
	}
	grant := decode[token.Grant](t, resp)
	if grant.SubjectID != "patient-1" {
		t.Fatalf("grant subject = %q", grant.SubjectID)
	}
}

func TestQRValidateTamperedPayloadAudited(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")
	clinician := c.obtainToken("clinician-9")

	issued := c.issue(patient, "patient-1", []string{"view_medications"}, "single_use", true)

	sealed, err := base64.StdEncoding.DecodeString(issued.QR)
	if err != nil {
		t.Fatalf("decode qr: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	resp := c.post("/v1/qr/validate", qrValidateRequest{
		Payload: base64.StdEncoding.EncodeToString(sealed),
	}, bearerHeader(clinician))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	resp.Body.Close()

	// The scanner must not be able to tell a tampered payload from an
	// unknown code: same status, same message.
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("tampered payload status = %d", resp.StatusCode)
	}
	if body.Error != token.ErrInvalidCode.Error() {
		t.Fatalf("tampered payload message = %q", body.Error)
	}

	// The rejected attempt must still leave a ledger trace.
	entries, _, err := c.ledger.Query(context.Background(), audit.Query{SubjectID: audit.UnknownSubject})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.FailureReason == audit.ReasonDecryptionFailure && e.ActorID == "clinician-9" {
			found = true
		}
	}
	if !found {
		t.Fatal("decryption failure was not audited")
	}
}

func TestListActiveTokens(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")

	c.issue(patient, "patient-1", []string{"view_history"}, "multi_use", false)
	c.issue(patient, "patient-1", []string{"view_vitals"}, "multi_use", false)
	c.issue(patient, "patient-2", []string{"view_vitals"}, "multi_use", false)

	resp := c.get("/v1/subjects/patient-1/tokens", nil, bearerHeader(patient))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	page := decode[listTokensResponse](t, resp)
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 active tokens, got %d", len(page.Items))
	}
	for _, item := range page.Items {
		if item.SubjectID != "patient-1" {
			t.Fatalf("foreign token in listing: %+v", item)
		}
	}
}

func TestSubjectAuditPagination(t *testing.T) {
	c := newTestAPI(t)
	patient := c.obtainToken("patient-1")
	clinician := c.obtainToken("clinician-9")

	// Each issue and each validation lands in the ledger.
	for i := 0; i < 3; i++ {
		issued := c.issue(patient, "patient-1", []string{"view_history"}, "single_use", false)
		resp := c.post("/v1/tokens/validate", validateRequest{Code: issued.Token.Code}, bearerHeader(clinician))
		resp.Body.Close()
	}

	var collected []audit.Entry
	after := ""
	for {
		params := url.Values{"limit": {"2"}}
		if after != "" {
			params.Set("after", after)
		}
		resp := c.get("/v1/subjects/patient-1/audit", params, bearerHeader(patient))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("audit status = %d", resp.StatusCode)
		}
		page := decode[auditPageResponse](t, resp)
		collected = append(collected, page.Items...)
		if page.NextAfter == "" {
			break
		}
		after = page.NextAfter
	}

	// 3 issuances and 3 validations.
	if len(collected) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(collected))
	}
	for i := 1; i < len(collected); i++ {
		if collected[i].ID <= collected[i-1].ID {
			t.Fatalf("entries out of order at %d", i)
		}
	}
}

func TestActorActivitySummary(t *testing.T) {
	c := newTestAPI(t)
	patient1 := c.obtainToken("patient-1")
	patient2 := c.obtainToken("patient-2")
	clinician := c.obtainToken("clinician-9")

	for _, p := range []struct{ subject, bearer string }{
		{"patient-1", patient1},
		{"patient-2", patient2},
	} {
		issued := c.issue(p.bearer, p.subject, []string{"view_history"}, "multi_use", false)
		resp := c.post("/v1/tokens/validate", validateRequest{Code: issued.Token.Code}, bearerHeader(clinician))
		resp.Body.Close()
	}

	resp := c.get("/v1/actors/clinician-9/activity", nil, bearerHeader(patient1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity status = %d", resp.StatusCode)
	}
	summary := decode[audit.ActivitySummary](t, resp)
	if summary.DistinctSubjects != 2 || summary.TotalAccesses != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Unusual {
		t.Fatal("two subjects must not trip the default threshold")
	}
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}
