package call

import (
	"sort"
	"strings"
)

const SessionKeySeparator = "_"

// ResolveSessionKey returns the document key both participants use for their
// call. The pair is sorted first, so either side computes the same key.
func ResolveSessionKey(localID, remoteID string) string {
	ids := []string{localID, remoteID}
	sort.Strings(ids)
	return strings.Join(ids, SessionKeySeparator)
}
