package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchDecodesOrganicResults(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_, _ = w.Write([]byte(`{
			"organic": [
				{"title": "First", "link": "https://a.example", "snippet": "sa", "date": "Jan 1, 2025"},
				{"title": "Second", "link": "https://b.example", "snippet": "sb"}
			],
			"relatedSearches": [{"query": "ignored"}]
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	results, err := c.Search(context.Background(), "go testing", 3)
	require.NoError(t, err)

	assert.Equal(t, "go testing", gotBody["q"])
	assert.Equal(t, float64(3), gotBody["num"])

	require.Len(t, results, 2)
	assert.Equal(t, "First", results[0].Title)
	assert.Equal(t, "https://a.example", results[0].URL)
	assert.Equal(t, "Jan 1, 2025", results[0].Date)
	assert.Empty(t, results[1].Date)
}

func TestSearchEmptyOrganicIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"organic": []}`))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	results, err := c.Search(context.Background(), "nothing", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL)
	_, err := c.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
}
