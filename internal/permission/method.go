package permission

import (
	"context"

	"github.com/flemzord/snaphost/internal/rpc"
)

// Method is the implementation behind a restricted target. req.Origin is
// always the subject that holds the permission.
type Method func(ctx context.Context, req rpc.Request) (any, error)

// Middleware wraps a Method. Caveat decorators are middlewares.
type Middleware func(next Method) Method

// Chain composes middlewares so that the first one wraps the method
// directly (innermost) and the last one runs first.
func Chain(mws ...Middleware) Middleware {
	return func(m Method) Method {
		for _, mw := range mws {
			if mw != nil {
				m = mw(m)
			}
		}
		return m
	}
}
