package action

import "github.com/cloudillo/cloudillo-sub008/internal/store"

// postKey keys a reply by its parent; a top-level post has no parent, so
// it returns "" and the engine falls back to a random slot.
func postKey(a store.Action) string {
	if a.ParentId == "" {
		return ""
	}
	return "p:" + a.ParentId
}

func init() {
	Register(&Type{
		Name:      "POST",
		KeyFn:     postKey,
		Broadcast: true,
	})
}
