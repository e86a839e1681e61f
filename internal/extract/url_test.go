package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url  string
		want error
	}{
		{"https://example.com/articles/42", nil},
		{"http://blog.example.org/post?id=7", nil},
		{"https://www.linkedin.com/in/someone", nil},
		{"https://example.com/?page=2", nil},
		{"not a url", appErr.ErrInvalidURL},
		{"ftp://example.com/file.txt", appErr.ErrInvalidURL},
		{"https:///nohost", appErr.ErrInvalidURL},
		{"://broken", appErr.ErrInvalidURL},
		{"https://example.com", appErr.ErrDisallowedURL},
		{"https://example.com/", appErr.ErrDisallowedURL},
		{"https://www.facebook.com/somepage", appErr.ErrDisallowedURL},
		{"https://x.com/user/status/1", appErr.ErrDisallowedURL},
		{"https://m.tiktok.com/@user", appErr.ErrDisallowedURL},
		{"https://www.linkedin.com/feed/", appErr.ErrDisallowedURL},
		{"https://www.google.com/search?q=weather", appErr.ErrDisallowedURL},
		{"https://www.bing.com/search?q=weather", appErr.ErrDisallowedURL},
		{"https://duckduckgo.com/?q=weather", appErr.ErrDisallowedURL},
		{"https://yandex.ru/search/?text=weather", appErr.ErrDisallowedURL},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := ValidateURL(tt.url)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
			require.True(t, appErr.IsURLRejected(err))
		})
	}
}
