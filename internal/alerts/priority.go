package alerts

import (
	"strings"

	db "github.com/newswatch/alert-engine/internal/storage"
)

// ClassifyPriority assigns P0/P1/P2 to a matched article. An explicit query
// match outranks everything; otherwise articles in one of the effective
// priority categories get P1; the rest are P2.
//
// The effective category list resolves the user's override against the
// global defaults. An explicit empty override disables P1 promotion; it is
// not the same as inheriting.
func ClassifyPriority(alertQuery, articleCategory string, categories db.CategoryOption, defaults []string) string {
	if strings.TrimSpace(alertQuery) != "" {
		return db.PriorityP0
	}

	for _, category := range categories.Effective(defaults) {
		if strings.EqualFold(category, articleCategory) {
			return db.PriorityP1
		}
	}

	return db.PriorityP2
}
