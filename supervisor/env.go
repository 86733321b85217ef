// Package supervisor hosts one execution per worker process and owns its
// signal handling and exit-code policy.
package supervisor

import (
	"time"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/pulse/queue"
)

// Config is the worker process environment contract
type Config struct {
	WorkflowID  string
	ExecutionID string
	DatabaseURL string

	// ShutdownTimeout bounds cleanup after the first shutdown signal
	ShutdownTimeout time.Duration
}

// MissingEnvError reports a required environment variable that is unset
type MissingEnvError struct {
	Name string
}

func (e *MissingEnvError) Error() string {
	return "required environment variable " + e.Name + " is not set"
}

// ConfigFromEnv reads the environment contract through getenv. The first
// missing variable is reported by name.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{ShutdownTimeout: am.DefaultShutdownTimeoutSeconds * time.Second}
	for _, v := range []struct {
		name string
		dst  *string
	}{
		{queue.EnvWorkflowID, &cfg.WorkflowID},
		{queue.EnvExecutionID, &cfg.ExecutionID},
		{queue.EnvDatabaseURL, &cfg.DatabaseURL},
	} {
		*v.dst = getenv(v.name)
		if *v.dst == "" {
			return Config{}, errors.WithStack(&MissingEnvError{Name: v.name})
		}
	}
	return cfg, nil
}
