package ledger

import "strings"

// CategoryOther is assigned to event types with an unrecognised prefix
const CategoryOther = "other"

// categories maps event-type prefixes to categories. Entries may be added
// but never changed: the category is part of every entry hash.
var categories = map[string]string{
	"document":          "document",
	"signature":         "signature",
	"signature_request": "signature_request",
	"signer":            "signer",
	"dossier":           "dossier",
	"tenant":            "tenant",
	"user":              "user",
	"auth":              "authentication",
	"verification":      "verification",
	"system":            "system",
}

// CategoryFor derives the category of an event type from the prefix before
// its first dot.
func CategoryFor(eventType string) string {
	prefix := eventType
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		prefix = eventType[:i]
	}
	if category, ok := categories[prefix]; ok {
		return category
	}
	return CategoryOther
}
