// Command smoke-access runs an end-to-end issue/validate/revoke pass
// against a running API and fails loudly on any deviation from the
// single-use contract.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("MEDVAULT_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	patient := obtainBearer(client, base, "smoke-patient")
	clinician := obtainBearer(client, base, "smoke-clinician")

	// Issue a single-use token for the patient.
	var issued struct {
		Token struct {
			Code string `json:"code"`
		} `json:"token"`
	}
	status := call(client, base, "/v1/tokens", patient, map[string]any{
		"subject_id":       "smoke-patient",
		"duration_seconds": 120,
		"permissions":      []string{"view_history"},
		"usage_mode":       "single_use",
	}, &issued)
	if status != http.StatusCreated {
		log.Fatalf("issue: status %d", status)
	}
	if issued.Token.Code == "" {
		log.Fatal("issue: empty code")
	}

	// First presentation succeeds.
	var grant struct {
		SubjectID string `json:"subject_id"`
	}
	status = call(client, base, "/v1/tokens/validate", clinician, map[string]any{
		"code": issued.Token.Code,
	}, &grant)
	if status != http.StatusOK {
		log.Fatalf("validate: status %d", status)
	}
	if grant.SubjectID != "smoke-patient" {
		log.Fatalf("validate: wrong subject %q", grant.SubjectID)
	}

	// Second presentation of a single-use token must be refused.
	status = call(client, base, "/v1/tokens/validate", clinician, map[string]any{
		"code": issued.Token.Code,
	}, nil)
	if status != http.StatusConflict {
		log.Fatalf("single-use reuse: status %d, want %d", status, http.StatusConflict)
	}

	// Issue another token and revoke it before use.
	status = call(client, base, "/v1/tokens", patient, map[string]any{
		"subject_id":       "smoke-patient",
		"duration_seconds": 120,
		"permissions":      []string{"view_history"},
		"usage_mode":       "multi_use",
	}, &issued)
	if status != http.StatusCreated {
		log.Fatalf("second issue: status %d", status)
	}
	status = call(client, base, "/v1/tokens/revoke", patient, map[string]any{
		"code": issued.Token.Code,
	}, nil)
	if status != http.StatusOK {
		log.Fatalf("revoke: status %d", status)
	}
	status = call(client, base, "/v1/tokens/validate", clinician, map[string]any{
		"code": issued.Token.Code,
	}, nil)
	if status != http.StatusGone {
		log.Fatalf("revoked validate: status %d, want %d", status, http.StatusGone)
	}

	fmt.Println("access smoke test passed")
}

func obtainBearer(client *http.Client, base, actorID string) string {
	var resp struct {
		Token string `json:"token"`
	}
	status := call(client, base, "/v1/auth/token", "", map[string]any{
		"actor_id": actorID,
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		log.Fatalf("obtain bearer for %s: status %d", actorID, status)
	}
	return resp.Token
}

func call(client *http.Client, base, path, bearer string, body, out any) int {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("call %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}
