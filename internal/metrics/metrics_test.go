package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecorderIncrementsAndServes(t *testing.T) {
	rec, reg := NewRecorder()

	rec.SessionStarted()
	rec.SessionStarted()
	rec.SessionEnded()
	rec.AuthFailure()
	rec.CipherFallback()
	rec.ObfsMismatch()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(bodyBytes)

	for _, want := range []string{
		"snell_sessions_total 2",
		"snell_sessions_active 1",
		"snell_auth_failures_total 1",
		"snell_cipher_fallback_total 1",
		"snell_obfs_mismatch_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing metric line %q in:\n%s", want, body)
		}
	}
}
