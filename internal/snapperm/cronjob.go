package snapperm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser accepts five-field expressions, an optional leading seconds
// field, and descriptors such as @daily or @every 1h.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCronExpression parses a cronjob expression.
func ParseCronExpression(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

// CronjobRequest is the JSON-RPC request a cronjob sends to its snap.
type CronjobRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CronjobSpecification is one entry of the snapCronjob caveat.
type CronjobSpecification struct {
	Expression string         `json:"expression"`
	Request    CronjobRequest `json:"request"`
}

// CronjobCaveat is the value of the snapCronjob caveat.
type CronjobCaveat struct {
	Jobs []CronjobSpecification `json:"jobs"`
}

// Validate checks every job's expression and request.
func (c CronjobCaveat) Validate() error {
	if c.Jobs == nil {
		return errors.New("cronjob caveat needs a jobs array")
	}
	for i, job := range c.Jobs {
		if _, err := ParseCronExpression(job.Expression); err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		if job.Request.Method == "" {
			return fmt.Errorf("job %d: request has no method", i)
		}
	}
	return nil
}
