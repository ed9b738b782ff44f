// Package translate wraps the machine-translation service used to
// bring harvested text into the canonical language.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calyptra/tornet-scanner/internal/scanner"
)

// Client calls a DeepL-compatible translation endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	key        string
}

// NewClient builds a translation client.
func NewClient(endpoint, key string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		key:        key,
	}
}

type translateRequest struct {
	Text       []string `json:"text"`
	TargetLang string   `json:"target_lang"`
}

type translateResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// Translate sends the text for translation into targetLang. When the
// service detects the text is already in the target language the
// result reports Translated=false and carries the original text.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (scanner.Translation, error) {
	payload, err := json.Marshal(translateRequest{
		Text:       []string{text},
		TargetLang: targetLang,
	})
	if err != nil {
		return scanner.Translation{}, fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return scanner.Translation{}, fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scanner.Translation{}, fmt.Errorf("call translate endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return scanner.Translation{}, fmt.Errorf("read translate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return scanner.Translation{}, fmt.Errorf("translate endpoint status %d", resp.StatusCode)
	}

	var parsed translateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return scanner.Translation{}, fmt.Errorf("decode translate response: %w", err)
	}
	if len(parsed.Translations) == 0 {
		return scanner.Translation{}, fmt.Errorf("translate endpoint returned no translations")
	}

	tr := parsed.Translations[0]
	source := strings.ToUpper(tr.DetectedSourceLanguage)
	target := strings.ToUpper(targetLang)
	if source == target {
		return scanner.Translation{
			SourceLang: source,
			Text:       text,
			TargetLang: target,
			Translated: false,
		}, nil
	}
	return scanner.Translation{
		SourceLang: source,
		Text:       tr.Text,
		TargetLang: target,
		Translated: true,
	}, nil
}
