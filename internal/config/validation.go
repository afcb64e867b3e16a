package config

import "fmt"

// Validate aggregates field errors the way the teacher's
// internal/config/validation.go accumulates YAML schema violations, but
// over the much smaller env-bound Config surface.
func (c Config) Validate() error {
	var errs []string

	if c.WorkflowDBURL == "" {
		errs = append(errs, "workflow.db.url is required")
	}
	if c.ActivityDefaultMaxAttempts < 1 {
		errs = append(errs, "activity.defaults.max_attempts must be >= 1")
	}
	if c.EngineOrchestratorLockMS <= 0 {
		errs = append(errs, "engine.orchestrator_lock_ms must be > 0")
	}
	if c.EngineActivityLockMS <= 0 {
		errs = append(errs, "engine.activity_lock_ms must be > 0")
	}
	if c.EngineDispatchIdleMS <= 0 {
		errs = append(errs, "engine.dispatch_idle_ms must be > 0")
	}
	if c.EngineOrchestrationWorkers < 1 {
		errs = append(errs, "engine.orchestration_workers must be >= 1")
	}
	if c.EngineActivityWorkers < 1 {
		errs = append(errs, "engine.activity_workers must be >= 1")
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Issues: errs}
}

// ValidationError collects every config problem found, rather than failing
// on the first one — lets an operator fix a bad environment in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid configuration (%d issue(s)):", len(e.Issues))
	for _, i := range e.Issues {
		msg += "\n  - " + i
	}
	return msg
}
