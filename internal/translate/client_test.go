package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "DeepL-Auth-Key key-123", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []any{"продам базу данных"}, body["text"])
		require.Equal(t, "EN", body["target_lang"])
		_, _ = w.Write([]byte(`{"translations":[{"detected_source_language":"RU","text":"selling a database"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123", time.Second)

	tr, err := c.Translate(context.Background(), "продам базу данных", "EN")
	require.NoError(t, err)
	require.Equal(t, "RU", tr.SourceLang)
	require.Equal(t, "EN", tr.TargetLang)
	require.Equal(t, "selling a database", tr.Text)
	require.True(t, tr.Translated)
}

func TestTranslateAlreadyTargetLanguage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"translations":[{"detected_source_language":"EN","text":"selling a database"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-123", time.Second)

	tr, err := c.Translate(context.Background(), "selling a database", "en")
	require.NoError(t, err)
	require.False(t, tr.Translated)
	require.Equal(t, "selling a database", tr.Text)
	require.Equal(t, "EN", tr.SourceLang)
}

func TestTranslateServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad-key", time.Second)

	_, err := c.Translate(context.Background(), "text", "EN")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
}
