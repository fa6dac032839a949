// Package qlog wraps zap the same way internal/app/agent/executor.go in the
// teacher service did: a single *zap.Logger threaded through the pieces
// that need operational visibility, never used for the audited domain
// trail itself (that is model.AuditEntry's job).
package qlog

import (
	"go.uber.org/zap"
)

// New builds a production logger in "prod" environments and a more verbose
// development logger otherwise, mirroring the dev/prod split the teacher
// keyed off ENVIRONMENT.
func New(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		// zap's own constructors practically never fail; fall back to a
		// no-op logger rather than taking down the run over a logging
		// misconfiguration.
		logger = zap.NewNop()
	}
	return logger
}

// Fields re-exports the zap field constructors most used across this
// module so callers only need one import.
var (
	String = zap.String
	Error  = zap.Error
	Int    = zap.Int
	Duration = zap.Duration
)
