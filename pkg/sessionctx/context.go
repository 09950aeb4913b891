// Package sessionctx builds the immutable per-run session context that every
// tool call in an assistant run is bound to. The binding happens in the host,
// outside model control, so a tool can never be steered to another tenant's
// data by prompt content.
package sessionctx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SessionContext carries the tenant/resource/identity binding for one run.
// It is built once per request and never mutated afterwards.
type SessionContext struct {
	TenantID      string
	WebsiteID     string
	Domain        string
	Timezone      string
	Now           time.Time
	CorrelationID string
	CallerID      string
	Headers       http.Header
}

// BuildParams holds the inputs for building a session context
type BuildParams struct {
	TenantID  string
	WebsiteID string
	Domain    string
	Timezone  string
	CallerID  string
	Headers   http.Header
}

// Build assembles a fresh SessionContext. The correlation ID is always newly
// minted; the current time is captured once so every tool call in the run sees
// the same clock reading.
func Build(params BuildParams) (*SessionContext, error) {
	if params.TenantID == "" {
		return nil, fmt.Errorf("tenant ID cannot be empty")
	}
	if params.WebsiteID == "" {
		return nil, fmt.Errorf("website ID cannot be empty")
	}
	if params.CallerID == "" {
		return nil, fmt.Errorf("caller ID cannot be empty")
	}

	tz := params.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	headers := http.Header{}
	for k, vs := range params.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	return &SessionContext{
		TenantID:      params.TenantID,
		WebsiteID:     params.WebsiteID,
		Domain:        params.Domain,
		Timezone:      tz,
		Now:           time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		CallerID:      params.CallerID,
		Headers:       headers,
	}, nil
}

// LocalNow returns the context's capture time in the caller's timezone
func (sc *SessionContext) LocalNow() time.Time {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return sc.Now
	}
	return sc.Now.In(loc)
}
