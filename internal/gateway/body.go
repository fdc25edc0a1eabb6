package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/flemzord/snaphost/internal/security"
)

// readBody reads at most MaxBodyBytes of the request body and checks a
// non-empty body is JSON within the configured nesting.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := g.config.MaxBodyBytes
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: max %d bytes", security.ErrMessageTooLarge, limit)
		}
		return nil, fmt.Errorf("%w: %w", security.ErrInvalidJSON, err)
	}
	if len(data) == 0 {
		return data, nil
	}
	limits := security.MessageLimits{MaxSize: limit, MaxDepth: g.config.MaxJSONDepth}
	if err := limits.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}
