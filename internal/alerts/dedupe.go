package alerts

import (
	"net/url"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Tracking query parameters stripped during URL normalization. Two shares of
// the same story must collapse to one dedupe key even when campaign tags
// differ.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"msclkid": true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
}

// NormalizeURL canonicalizes an article URL for deduplication: lowercased
// scheme and host, no tracking parameters, remaining query sorted, no
// fragment, no trailing slash. Returns "" when the URL is unusable.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	query := u.Query()
	for key := range query {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			query.Del(key)
		}
	}

	u.RawQuery = encodeSorted(query)

	return u.String()
}

func encodeSorted(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var b strings.Builder

	for _, key := range keys {
		values := query[key]
		sort.Strings(values)

		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}

			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}

	return b.String()
}

// NormalizeTitle case-folds a title and keeps only letters, digits and
// single spaces, so punctuation and casing variants of the same headline
// collapse together.
func NormalizeTitle(title string) string {
	// Casers are stateful, so one is built per call.
	folded := cases.Fold().String(title)

	var (
		b         strings.Builder
		lastSpace = true
	)

	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)

			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')

			lastSpace = true
		}
	}

	return strings.TrimSpace(b.String())
}

// DedupeKey derives the stable identity of an article for suppression
// windows. URL identity wins; otherwise source plus normalized title;
// otherwise the article ID so the item still gets a unique key instead of
// colliding with every other keyless item.
func DedupeKey(articleID, rawURL, source, title string) string {
	if u := NormalizeURL(rawURL); u != "" {
		return u
	}

	normTitle := NormalizeTitle(title)
	if normTitle != "" {
		return strings.ToLower(strings.TrimSpace(source)) + "|" + normTitle
	}

	return "unknown:" + articleID
}
