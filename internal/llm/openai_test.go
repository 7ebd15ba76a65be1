package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

func TestCompleteSendsImagesAndParsesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vision-model", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		user := msgs[1].(map[string]any)
		parts := user["content"].([]any)
		require.Len(t, parts, 3)
		img := parts[1].(map[string]any)["image_url"].(map[string]any)
		assert.Equal(t, "https://cbu01.alicdn.com/img/ibank/a.jpg", img["url"])

		_, _ = w.Write([]byte(`{"model":"vision-model-2026","choices":[{"message":{"content":"{\"product_name\":\"니트\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.AIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "vision-model"})
	resp, err := c.Complete(context.Background(), Request{
		System:     "system",
		Prompt:     "describe",
		ImageURLs:  []string{"https://cbu01.alicdn.com/img/ibank/a.jpg", " ", "https://cbu01.alicdn.com/img/ibank/b.jpg"},
		JSONOutput: true,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"product_name":"니트"}`, resp.Content)
	assert.Equal(t, "vision-model-2026", resp.Model)
}

func TestCompleteErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
		},
		"empty choices": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>gateway</html>`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			c := NewClient(config.AIConfig{BaseURL: srv.URL, Model: "m"})
			_, err := c.Complete(context.Background(), Request{Prompt: "x"})
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}
