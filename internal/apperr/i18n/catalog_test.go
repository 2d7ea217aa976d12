package i18n

import (
	"errors"
	"testing"

	"github.com/mschirtzinger/usersync/internal/apperr"
)

func TestNew_ResolvesLocale(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"", "en-US"},
		{"en-US", "en-US"},
		{"ja-JP", "ja"},
		{"ja", "ja"},
		{"fr-FR", "en-US"},
		{"not a locale", "en-US"},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			if got := New(tt.locale).Locale(); got != tt.want {
				t.Errorf("Locale() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCatalog_MessageFor(t *testing.T) {
	en := New("en-US")
	ja := New("ja-JP")

	tests := []struct {
		name   string
		err    *apperr.Error
		wantEN string
		wantJA string
	}{
		{"network", apperr.ErrNetworkUnavailable, "A network error occurred", "ネットワークエラーが発生しました"},
		{"timeout", apperr.ErrTimeout, "The connection timed out", "接続がタイムアウトしました"},
		{"offline", apperr.ErrOffline, "You are offline", "オフラインです"},
		{"unknown with detail", apperr.Unknown("unexpected status 500", errors.New("x")), "unexpected status 500", "unexpected status 500"},
		{"unknown without detail", apperr.Unknown("", nil), "An unknown error occurred", "不明なエラーが発生しました"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := en.MessageFor(tt.err); got != tt.wantEN {
				t.Errorf("en MessageFor() = %q, want %q", got, tt.wantEN)
			}
			if got := ja.MessageFor(tt.err); got != tt.wantJA {
				t.Errorf("ja MessageFor() = %q, want %q", got, tt.wantJA)
			}
		})
	}
}

func TestCatalog_MessageForNil(t *testing.T) {
	if got := New("").MessageFor(nil); got != "" {
		t.Errorf("MessageFor(nil) = %q, want empty", got)
	}
}

func TestCatalog_Text(t *testing.T) {
	if got := New("en-US").Text(KeyUserNotFound); got != "User not found" {
		t.Errorf("Text() = %q", got)
	}
}
