package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReport(t *testing.T) {
	var got ReportEmail
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	m := NewRelayMailer(server.URL, "relay-token", "security@vigilsec.example", 5*time.Second)
	err := m.SendReport(context.Background(), ReportEmail{
		Name:                  "evil-pkg",
		Version:               "1.0.0",
		InspectorURL:          "https://inspector.example/evil-pkg/1.0.0",
		AdditionalInformation: "exfiltrates env vars on install",
		Rules:                 []string{"setup_install"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer relay-token", gotAuth)
	assert.Equal(t, "evil-pkg", got.Name)
	assert.Equal(t, "security@vigilsec.example", got.Recipient)
	assert.Equal(t, []string{"setup_install"}, got.Rules)
}

func TestSendReport_RelayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	m := NewRelayMailer(server.URL, "", "security@vigilsec.example", 5*time.Second)
	err := m.SendReport(context.Background(), ReportEmail{Name: "evil-pkg", Version: "1.0.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}
