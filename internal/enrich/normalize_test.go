package enrich

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "selling accounts", "selling accounts"},
		{"collapses whitespace", "selling\n\n  accounts\t now", "selling accounts now"},
		{"trims edges", "  padded  ", "padded"},
		{"drops controls", "sell\x00ing\x07 accounts", "selling accounts"},
		{"nfkc folds fullwidth", "ｓｅｌｌｉｎｇ", "selling"},
		{"keeps cyrillic", "продам доступ", "продам доступ"},
		{"keeps cjk and accents", "販売 crédentials", "販売 crédentials"},
		{"nbsp is whitespace", "selling accounts", "selling accounts"},
		{"empty", "", ""},
		{"only whitespace", " \n\t ", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}
