// Package caption rewrites submitted captions into outgoing captions.
//
// A caption without links passes through unchanged. A caption with links is
// replaced by a numbered link list framed by the configured header and
// footer; the rest of the original text is dropped.
package caption

import (
	"strconv"
	"strings"
)

// linkMarker prefixes every numbered link line.
const linkMarker = "👉 v"

var schemes = []string{"http://", "https://"}

// Transform builds the outgoing caption for original.
func Transform(original, header, footer string) string {
	if original == "" {
		return ""
	}

	links := ExtractLinks(original)
	if len(links) == 0 {
		return original
	}

	var b strings.Builder
	if header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	for i, link := range links {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(linkMarker)
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(" : ")
		b.WriteString(link)
	}
	if footer != "" {
		b.WriteString("\n\n")
		b.WriteString(footer)
	}
	return b.String()
}

// ExtractLinks returns the whitespace-delimited HTTP(S) URL tokens in text,
// in order of appearance. The scheme is matched case-insensitively and the
// token is returned as written.
func ExtractLinks(text string) []string {
	var links []string
	for _, tok := range strings.Fields(text) {
		if isLink(tok) {
			links = append(links, tok)
		}
	}
	return links
}

func isLink(tok string) bool {
	for _, scheme := range schemes {
		if len(tok) > len(scheme) && strings.EqualFold(tok[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}
