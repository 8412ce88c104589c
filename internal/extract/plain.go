package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain decodes content as UTF-8 text, replacing invalid sequences.
func extractPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "\ufffd"), nil
	}
	return string(content), nil
}
