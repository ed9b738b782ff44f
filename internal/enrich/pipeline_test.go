package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
)

type mapDetector map[string]string

func (d mapDetector) Detect(text string) string {
	if lang, ok := d[text]; ok {
		return lang
	}
	return "unknown"
}

type fakeTranslator struct {
	result scanner.Translation
	err    error
	called int
	texts  []string
}

func (f *fakeTranslator) Translate(_ context.Context, text, _ string) (scanner.Translation, error) {
	f.called++
	f.texts = append(f.texts, text)
	return f.result, f.err
}

type fakeClassifier struct {
	verdict scanner.Classification
	err     error
	prompt  string
}

func (f *fakeClassifier) Classify(_ context.Context, prompt string) (scanner.Classification, error) {
	f.prompt = prompt
	return f.verdict, f.err
}

const template = "Classify the following post: TARGET-POST-PLACEHOLDER"

func verdict() scanner.Classification {
	return scanner.Classification{
		Label:     "data-sale",
		Sentiment: "negative",
		Scores:    scanner.Scores{Positive: 0.1, Neutral: 0.2, Negative: 0.7},
	}
}

func TestEnrichForeignPost(t *testing.T) {
	telemetry.Init()

	detector := mapDetector{"продам базу": "ru"}
	translator := &fakeTranslator{result: scanner.Translation{
		SourceLang: "RU", TargetLang: "EN", Text: "selling a database", Translated: true,
	}}
	classifier := &fakeClassifier{verdict: verdict()}
	p := NewPipeline(detector, translator, classifier, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Content: "продам базу", Link: "/post/1"}, &detail)
	require.NoError(t, err)

	require.Equal(t, "ru", detail.OriginalLanguage)
	require.Equal(t, "продам базу", detail.OriginalText)
	require.Equal(t, "en", detail.TranslatedLanguage)
	require.Equal(t, "selling a database", detail.TranslatedText)
	require.True(t, detail.Translated)
	require.Equal(t, "data-sale", detail.Classification)
	require.Equal(t, "negative", detail.Sentiment)
	require.Equal(t, 0.7, detail.NegativeScore)

	// The classifier sees the translated text, not the original.
	require.Equal(t, "Classify the following post: selling a database", classifier.prompt)
	require.NotContains(t, classifier.prompt, PlaceholderToken)
}

func TestEnrichTargetLanguageSkipsTranslation(t *testing.T) {
	telemetry.Init()

	detector := mapDetector{"Accounts for sale": "en", "selling accounts": "en"}
	translator := &fakeTranslator{}
	classifier := &fakeClassifier{verdict: verdict()}
	p := NewPipeline(detector, translator, classifier, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Title: "Accounts for sale", Content: "selling accounts"}, &detail)
	require.NoError(t, err)

	require.Zero(t, translator.called, "target-language title and content must not be translated")
	require.False(t, detail.Translated)
	require.Empty(t, detail.TranslatedText)
	require.Contains(t, classifier.prompt, "selling accounts")
}

func TestEnrichForeignTitleForcesPerFieldTranslation(t *testing.T) {
	telemetry.Init()

	detector := mapDetector{
		"продам доступ":      "ru",
		"selling vpn access": "en",
	}
	translator := &fakeTranslator{result: scanner.Translation{
		SourceLang: "RU", TargetLang: "EN", Text: "selling access", Translated: true,
	}}
	classifier := &fakeClassifier{verdict: verdict()}
	p := NewPipeline(detector, translator, classifier, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{
		Title:   "продам \t доступ",
		Content: "selling vpn access",
		Link:    "/post/5",
	}, &detail)
	require.NoError(t, err)

	require.Equal(t, 2, translator.called, "a foreign title means one call per field")
	require.Equal(t, []string{"продам доступ", "selling vpn access"}, translator.texts)
	require.Equal(t, "продам доступ", detail.Title, "stored title is normalized, not translated")
}

func TestEnrichTitleTranslateFailureIsSkip(t *testing.T) {
	telemetry.Init()

	detector := mapDetector{"продам базу": "ru", "english content": "en"}
	translator := &fakeTranslator{err: errors.New("quota exceeded")}
	p := NewPipeline(detector, translator, &fakeClassifier{}, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Title: "продам базу", Content: "english content", Link: "/post/6"}, &detail)

	var skip *scanner.SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, "/post/6", skip.Link)
	require.True(t, strings.Contains(skip.Error(), "title translation failed"))
}

func TestEnrichTrustsServiceOverDetector(t *testing.T) {
	telemetry.Init()

	// The detector says unknown; the translation service answers that
	// the text already is the target language.
	translator := &fakeTranslator{result: scanner.Translation{
		SourceLang: "EN", TargetLang: "EN", Text: "short post", Translated: false,
	}}
	classifier := &fakeClassifier{verdict: verdict()}
	p := NewPipeline(mapDetector{}, translator, classifier, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Content: "short post"}, &detail)
	require.NoError(t, err)

	require.Equal(t, 1, translator.called)
	require.False(t, detail.Translated)
	require.Equal(t, "en", detail.OriginalLanguage)
}

func TestEnrichEmptyContentIsSkipped(t *testing.T) {
	telemetry.Init()

	p := NewPipeline(mapDetector{}, &fakeTranslator{}, &fakeClassifier{}, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Content: "  \n ", Link: "/post/9"}, &detail)

	var skip *scanner.SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, "/post/9", skip.Link)
}

func TestEnrichTranslateFailureIsSkip(t *testing.T) {
	telemetry.Init()

	translator := &fakeTranslator{err: errors.New("quota exceeded")}
	p := NewPipeline(mapDetector{}, translator, &fakeClassifier{}, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Content: "продам базу", Link: "/post/2"}, &detail)

	var skip *scanner.SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, "/post/2", skip.Link)
	require.True(t, strings.Contains(skip.Error(), "translation failed"))
}

func TestEnrichClassifyFailureIsSkip(t *testing.T) {
	telemetry.Init()

	detector := mapDetector{"selling accounts": "en"}
	classifier := &fakeClassifier{err: errors.New("malformed verdict")}
	p := NewPipeline(detector, &fakeTranslator{}, classifier, template, "EN", zap.NewNop())

	var detail scanner.PostDetail
	err := p.Enrich(context.Background(), scanner.RawDetail{Content: "selling accounts", Link: "/post/3"}, &detail)

	var skip *scanner.SkipError
	require.ErrorAs(t, err, &skip)
	require.Equal(t, "/post/3", skip.Link)
}
