package trade

import (
	"github.com/freightmesh/securetrade/internal/pagination"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to trades after the given cursor position.
// Malformed cursors are ignored.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}
