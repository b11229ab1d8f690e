package action

import (
	"fmt"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

func fllwKey(a store.Action) string {
	return fmt.Sprintf("FLLW:%s:%s", a.Issuer, a.Audience)
}

func init() {
	Register(&Type{
		Name:         "FLLW",
		KeyFn:        fllwKey,
		AllowUnknown: true,
	})
}
