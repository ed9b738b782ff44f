package activate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractCode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		answer  string
		want    string
		wantErr bool
	}{
		{"plain sentence", "The characters are AB12F9", "AB12F9", false},
		{"bare code", "AB12F9", "AB12F9", false},
		{"code with punctuation", `The code is "X0Y1Z2".`, "X0Y1Z2", false},
		{"lowercase ignored", "the code is ab12f9 maybe QW3RT7", "QW3RT7", false},
		{"no code", "I cannot read this image.", "", true},
		{"too short runs only", "AB12 F9", "", true},
		{"longer run is not a code", "ABCDEFG", "", true},
		{"multiple candidates", "Either AB12F9 or CD34G8", "", true},
		{"empty answer", "", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractCode(tc.answer)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
