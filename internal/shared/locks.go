package shared

import "fmt"

// PostingLeaseKey builds the redis key guarding one posting queue item.
func PostingLeaseKey(queueItemID int64) string {
	return fmt.Sprintf("gl:posting:item:%d:lease", queueItemID)
}
