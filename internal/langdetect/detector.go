// Package langdetect identifies the language of harvested text so the
// pipeline can decide whether translation is needed.
package langdetect

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// Unknown is reported when no language can be determined.
const Unknown = "unknown"

// Detector wraps a statistical language detector over the languages
// seen on the target site.
type Detector struct {
	inner lingua.LanguageDetector
}

// New builds a Detector. The model is restricted to the languages that
// actually appear on the site; a full-alphabet detector misattributes
// short posts.
func New() *Detector {
	langs := []lingua.Language{
		lingua.English,
		lingua.Russian,
		lingua.German,
		lingua.French,
		lingua.Spanish,
		lingua.Portuguese,
		lingua.Turkish,
		lingua.Arabic,
		lingua.Chinese,
		lingua.Indonesian,
	}
	return &Detector{
		inner: lingua.NewLanguageDetectorBuilder().
			FromLanguages(langs...).
			Build(),
	}
}

// Detect returns the lowercase ISO 639-1 code of the text's language,
// or Unknown when detection fails.
func (d *Detector) Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return Unknown
	}
	lang, ok := d.inner.DetectLanguageOf(text)
	if !ok {
		return Unknown
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}
