// Package i18n renders classified errors as user-facing text.
//
// The sync core never formats messages; presentation layers (CLI, dashboard)
// hold a MessageProvider and ask it for text when they show a failure.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/mschirtzinger/usersync/internal/apperr"
)

// BaseLocale is used when no locale is requested or none matches.
const BaseLocale = "en-US"

// Message keys.
const (
	KeyNetwork      = "error.network"
	KeyTimeout      = "error.timeout"
	KeyOffline      = "error.offline"
	KeyUnknown      = "error.unknown"
	KeyUserNotFound = "error.user_not_found"
	KeyRetryHint    = "hint.retry"
)

// MessageProvider maps a classified error to human-readable text.
type MessageProvider interface {
	MessageFor(err *apperr.Error) string
}

var messages = map[language.Tag]map[string]string{
	language.AmericanEnglish: {
		KeyNetwork:      "A network error occurred",
		KeyTimeout:      "The connection timed out",
		KeyOffline:      "You are offline",
		KeyUnknown:      "An unknown error occurred",
		KeyUserNotFound: "User not found",
		KeyRetryHint:    "Run the command again to retry",
	},
	language.Japanese: {
		KeyNetwork:      "ネットワークエラーが発生しました",
		KeyTimeout:      "接続がタイムアウトしました",
		KeyOffline:      "オフラインです",
		KeyUnknown:      "不明なエラーが発生しました",
		KeyUserNotFound: "ユーザーが見つかりません",
		KeyRetryHint:    "もう一度実行して再試行してください",
	},
}

// Catalog is a MessageProvider bound to one resolved locale.
type Catalog struct {
	tag     language.Tag
	printer *message.Printer
}

// supported lists the catalog languages; the first entry is the fallback
// chosen when nothing matches.
var supported = []language.Tag{language.AmericanEnglish, language.Japanese}

var (
	builder = mustBuild()
	matcher = language.NewMatcher(supported)
)

func mustBuild() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.AmericanEnglish))
	for _, tag := range supported {
		for key, msg := range messages[tag] {
			if err := b.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// New returns a catalog for the closest supported match of locale.
// An empty or unparseable locale resolves to BaseLocale.
func New(locale string) *Catalog {
	requested := strings.TrimSpace(locale)
	if requested == "" {
		requested = BaseLocale
	}

	_, index, _ := matcher.Match(language.Make(requested))
	tag := supported[index]
	return &Catalog{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(builder)),
	}
}

// Locale returns the resolved locale.
func (c *Catalog) Locale() string {
	return c.tag.String()
}

// Text returns the message for key, or the key itself if it is missing.
func (c *Catalog) Text(key string) string {
	return c.printer.Sprintf(key)
}

// MessageFor implements MessageProvider. An unknown error with a detail shows
// the detail; without one it falls back to the localized generic text.
func (c *Catalog) MessageFor(err *apperr.Error) string {
	if err == nil {
		return ""
	}
	switch err.Kind {
	case apperr.KindNetworkUnavailable:
		return c.Text(KeyNetwork)
	case apperr.KindTimeout:
		return c.Text(KeyTimeout)
	case apperr.KindOffline:
		return c.Text(KeyOffline)
	default:
		if err.Detail != "" && err.Detail != apperr.UnknownPlaceholder {
			return err.Detail
		}
		return c.Text(KeyUnknown)
	}
}
