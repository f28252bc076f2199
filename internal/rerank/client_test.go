package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankScoresAlignWithDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "total amount due", req.Query)
		require.Len(t, req.Documents, 3)

		// results arrive sorted by relevance, not input order
		json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{
			{Index: 2, RelevanceScore: 0.92},
			{Index: 0, RelevanceScore: 0.41},
			{Index: 1, RelevanceScore: 0.12},
		}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	scores, err := client.Rerank(context.Background(), "total amount due",
		[]string{"shipping terms", "warranty text", "invoice total is $450"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.41, 0.12, 0.92}, scores)
}

func TestRerankAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(rerankResponse{Error: &apiError{Message: "bad key", Type: "auth"}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "wrong", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Rerank(context.Background(), "q", []string{"doc"})
	assert.ErrorContains(t, err, "bad key")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestRerankEmptyInput(t *testing.T) {
	client, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)

	scores, err := client.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}
