package attempt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := map[string]struct {
		in   string
		n    int
		want string
	}{
		"short input is unchanged": {
			in:   "curl/8.0",
			n:    1000,
			want: "curl/8.0",
		},

		"ascii is cut at the limit": {
			in:   strings.Repeat("a", 1005),
			n:    1000,
			want: strings.Repeat("a", 1000),
		},

		"a multi-byte character across the limit is dropped": {
			in:   strings.Repeat("a", 999) + "é" + "tail",
			n:    1000,
			want: strings.Repeat("a", 999),
		},

		"a multi-byte character ending at the limit is kept": {
			in:   strings.Repeat("a", 998) + "é" + "tail",
			n:    1000,
			want: strings.Repeat("a", 998) + "é",
		},

		"a four byte character is never split": {
			in:   strings.Repeat("a", 998) + "😀",
			n:    1000,
			want: strings.Repeat("a", 998),
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := truncate(tt.in, tt.n)
			require.Equal(t, tt.want, got)
			require.True(t, utf8.ValidString(got))
		})
	}
}
