package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewClient(server.URL, "sk-test", "test-model", 5*time.Second, log)
}

func TestComplete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "{\"score\": 0.7}"}}]}`))
	})

	reply, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "score the rule"},
		{Role: "user", Content: "data"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 0.7}`, reply)
}

func TestCompleteErrors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices": []}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{not json`))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, tc.handler)
			_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
			assert.Error(t, err)
		})
	}
}
