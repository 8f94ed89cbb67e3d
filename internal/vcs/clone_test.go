package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		token string
		in    string
		want  string
	}{
		{
			name: "plain url untouched without token",
			in:   "https://github.com/org/lib.git",
			want: "https://github.com/org/lib.git",
		},
		{
			name: "git plus prefix stripped",
			in:   "git+https://github.com/org/lib.git",
			want: "https://github.com/org/lib.git",
		},
		{
			name:  "token injected for github",
			token: "tok123",
			in:    "https://github.com/org/lib.git",
			want:  "https://tok123@github.com/org/lib.git",
		},
		{
			name:  "token injected for gitlab",
			token: "tok123",
			in:    "https://gitlab.com/org/lib.git",
			want:  "https://tok123@gitlab.com/org/lib.git",
		},
		{
			name:  "token not injected for other hosts",
			token: "tok123",
			in:    "https://git.internal.example/org/lib.git",
			want:  "https://git.internal.example/org/lib.git",
		},
		{
			name:  "token not injected over ssh",
			token: "tok123",
			in:    "git@github.com:org/lib.git",
			want:  "git@github.com:org/lib.git",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GitCloner{Token: tt.token}
			assert.Equal(t, tt.want, g.normalizeURL(tt.in))
		})
	}
}
