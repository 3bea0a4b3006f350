package verifyclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/verify", r.URL.Path)

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		answer := VerifyAnswer{Status: StatusInvalid, Message: "Invalid API key"}
		if req.Credential == "sk-good" {
			answer = VerifyAnswer{Status: StatusValid, EstimatedQuota: 100}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer)
	}))
	defer srv.Close()

	client := NewVerifyClient(srv.URL)

	answer, err := client.Verify(VerifyRequest{Provider: "openai", Credential: "sk-good"})
	require.NoError(t, err)
	assert.Equal(t, StatusValid, answer.Status)
	assert.True(t, answer.Final())

	answer, err = client.Verify(VerifyRequest{Provider: "openai", Credential: "sk-bad"})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, answer.Status)
}

func TestVerifyBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewVerifyClient(srv.URL).Verify(VerifyRequest{Provider: "openai"})
	require.Error(t, err)

	assert.False(t, VerifyAnswer{Status: StatusRateLimited}.Final())
}
