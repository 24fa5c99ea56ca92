// Package sanitize strips markup from chat bodies before they are shown.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// Text removes every HTML element from s and decodes the entities the
// policy leaves behind, so the result is plain text fit for a terminal.
func Text(s string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(s)))
}
