// Package translator defines the translation capability and its backends.
package translator

import (
	"context"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
)

// Translator converts text between two languages given as BCP 47 codes.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Pair is a source/target language combination.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// SuggestedPairs lists the combinations offered in the overlay's language
// picker. Any valid pair is accepted.
var SuggestedPairs = []Pair{
	{"en", "es"}, {"es", "en"},
	{"en", "fr"}, {"fr", "en"},
	{"en", "de"}, {"de", "en"},
	{"en", "zh"}, {"zh", "en"},
	{"en", "ja"}, {"ja", "en"},
}

// Canonical validates a language code and returns its canonical form.
func Canonical(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", apperrors.New(apperrors.LanguageUnsupported, "empty language code")
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.LanguageUnsupported, "unsupported language %q", code).
			WithMetadata("language", code)
	}
	if _, conf := tag.Base(); conf == language.No {
		return "", apperrors.Newf(apperrors.LanguageUnsupported, "unknown language %q", code).
			WithMetadata("language", code)
	}
	return tag.String(), nil
}

// DisplayName returns the English name of a language code, or the code
// itself if it cannot be named.
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}
