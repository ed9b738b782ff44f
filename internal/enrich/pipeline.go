// Package enrich runs harvested post details through language
// detection, translation, and classification.
package enrich

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

// PlaceholderToken is replaced with the post text when the classifier
// prompt template is instantiated.
const PlaceholderToken = "TARGET-POST-PLACEHOLDER"

// Pipeline enriches one post at a time. Enrichment failures are
// item-scoped: the caller skips the item and carries on.
type Pipeline struct {
	detector   scanner.LanguageDetector
	translator scanner.Translator
	classifier scanner.Classifier
	template   string
	targetLang string
	log        *zap.Logger
}

// NewPipeline builds a Pipeline. template is the classifier prompt
// containing PlaceholderToken; targetLang is the canonical language
// code (for example "EN").
func NewPipeline(detector scanner.LanguageDetector, translator scanner.Translator, classifier scanner.Classifier, template, targetLang string, log *zap.Logger) *Pipeline {
	return &Pipeline{
		detector:   detector,
		translator: translator,
		classifier: classifier,
		template:   template,
		targetLang: strings.ToUpper(targetLang),
		log:        log,
	}
}

// Enrich fills the enrichment columns of detail from raw. A returned
// *scanner.SkipError means this item must be dropped; sibling items
// are unaffected.
//
// Title and content are normalized and language-detected separately.
// Translation is skipped only when both fields come back in the
// canonical language; otherwise each field gets its own translation
// call, and the content result feeds the stored language columns.
func (p *Pipeline) Enrich(ctx context.Context, raw scanner.RawDetail, detail *scanner.PostDetail) error {
	title := Normalize(raw.Title)
	text := Normalize(raw.Content)
	if text == "" {
		telemetry.ObserveEnriched("empty")
		return &scanner.SkipError{Link: raw.Link, Reason: "empty content after normalization"}
	}
	detail.Title = title
	detail.Content = text

	// A blank title never forces translation; a failed detection does.
	titleLang := p.targetLang
	if title != "" {
		titleLang = p.detector.Detect(title)
	}
	contentLang := p.detector.Detect(text)
	detail.OriginalLanguage = contentLang
	detail.OriginalText = text

	classifyText := text
	if !strings.EqualFold(titleLang, p.targetLang) || !strings.EqualFold(contentLang, p.targetLang) {
		if title != "" {
			ttr, err := p.translator.Translate(ctx, title, p.targetLang)
			if err != nil {
				telemetry.ObserveEnriched("translate_failed")
				return &scanner.SkipError{Link: raw.Link, Reason: "title translation failed", Err: err}
			}
			if ttr.Translated {
				p.log.Debug("title translated",
					zap.String("link", raw.Link),
					zap.String("source", strings.ToLower(ttr.SourceLang)),
				)
			}
		}
		tr, err := p.translator.Translate(ctx, text, p.targetLang)
		if err != nil {
			telemetry.ObserveEnriched("translate_failed")
			return &scanner.SkipError{Link: raw.Link, Reason: "translation failed", Err: err}
		}
		if tr.Translated {
			detail.TranslatedLanguage = strings.ToLower(tr.TargetLang)
			detail.TranslatedText = tr.Text
			detail.Translated = true
			classifyText = tr.Text
		} else if tr.SourceLang != "" {
			// The detector and the translation service disagreed;
			// trust the service.
			detail.OriginalLanguage = strings.ToLower(tr.SourceLang)
		}
	}

	prompt := strings.ReplaceAll(p.template, PlaceholderToken, classifyText)
	verdict, err := p.classifier.Classify(ctx, prompt)
	if err != nil {
		telemetry.ObserveEnriched("classify_failed")
		return &scanner.SkipError{Link: raw.Link, Reason: "classification failed", Err: err}
	}

	detail.Classification = verdict.Label
	detail.Sentiment = verdict.Sentiment
	detail.PositiveScore = verdict.Scores.Positive
	detail.NeutralScore = verdict.Scores.Neutral
	detail.NegativeScore = verdict.Scores.Negative

	telemetry.ObserveEnriched("ok")
	return nil
}
