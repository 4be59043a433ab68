package store

import (
	"sort"

	"github.com/parleyhq/parley/pkg/models"
)

// sortHistory orders messages by (createdAt asc, threadLevel desc): at equal
// timestamps a parent thread's message precedes its child's. Sort is stable so
// same-thread insertion order survives identical timestamps.
func sortHistory(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ThreadLevel > msgs[j].ThreadLevel
	})
}

// tailLimit keeps the most recent n messages after sorting. n <= 0 keeps all.
func tailLimit(msgs []*models.Message, n int) []*models.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
