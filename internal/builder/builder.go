// Package builder turns raw source items into notification candidates.
//
// The produced text doubles as the persistent dedup key, so the formatting
// here is frozen policy: identical input must yield identical text forever,
// across restarts and releases. Change it and every already-relayed
// notification becomes "new" again. Nothing in this package does I/O.
package builder

import (
	"fmt"
	"strings"

	"sorelay/internal/domain"
	"sorelay/internal/stackoverflow"
)

// Build produces the candidate for one source item.
func Build(accountID domain.AccountID, item stackoverflow.Item) domain.Candidate {
	return domain.Candidate{
		AccountID: accountID,
		Text:      Text(item),
	}
}

// Text is the frozen formatting rule: the item body with whitespace runs
// collapsed, or a typed placeholder when the body is empty. Whitespace
// collapsing keeps the key stable against upstream markup reflows.
func Text(item stackoverflow.Item) string {
	body := strings.Join(strings.Fields(item.Body), " ")
	if body != "" {
		return body
	}
	if item.PostID != 0 {
		return fmt.Sprintf("[%s] post %d", item.NotificationType, item.PostID)
	}
	return fmt.Sprintf("[%s] at %d", item.NotificationType, item.CreationDate)
}
