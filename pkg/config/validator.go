package config

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
	Value   string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (got %q)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the cross-field rules the schema cannot express. It
// expects defaults to have been applied.
func (c *CollabServerConfig) Validate() error {
	var errs []error
	s := &c.Spec

	if _, err := semver.NewConstraint(s.Server.ProtocolConstraint); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "server.protocolConstraint",
			Message: "invalid semver constraint",
			Value:   s.Server.ProtocolConstraint,
		})
	}

	switch s.Ledger.Backend {
	case LedgerMemory, LedgerSQLite:
	case LedgerRedis:
		if s.Ledger.Redis.Addr == "" {
			errs = append(errs, &ValidationError{
				Field:   "ledger.redis.addr",
				Message: "required when backend is redis",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "ledger.backend",
			Message: "must be one of: memory, redis, sqlite",
			Value:   s.Ledger.Backend,
		})
	}

	if s.Tracing.Enabled && s.Tracing.Endpoint == "" {
		errs = append(errs, &ValidationError{
			Field:   "tracing.endpoint",
			Message: "required when tracing is enabled",
		})
	}
	if s.Tracing.SampleRatio < 0 || s.Tracing.SampleRatio > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampleRatio",
			Message: "must be between 0 and 1",
			Value:   fmt.Sprint(s.Tracing.SampleRatio),
		})
	}

	auth := s.Agents.Auth
	if auth.Token != "" && auth.UsesClientCredentials() {
		errs = append(errs, &ValidationError{
			Field:   "agents.auth",
			Message: "set either token or client credentials, not both",
		})
	}
	if (auth.TokenURL == "") != (auth.ClientID == "") {
		errs = append(errs, &ValidationError{
			Field:   "agents.auth",
			Message: "tokenURL and clientID must be set together",
		})
	}

	if err := s.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
