package action

import (
	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// cmntKey keys a comment by its parent, type-prefixed like CONN and FLLW.
// See DESIGN.md's Open Question decisions for why this is kept this way
// despite collapsing same-parent comments to one row on retry collision.
func cmntKey(a store.Action) string {
	return "p:" + a.ParentId
}

func init() {
	Register(&Type{
		Name:  "CMNT",
		KeyFn: cmntKey,
	})
}
