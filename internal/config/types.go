// Package config defines Toygres's process configuration. Grounded on the
// teacher's internal/config package split (types/defaults/validation/errors)
// but env-var driven rather than layered YAML: spec.md §6 enumerates a fixed
// set of recognized environment options and requires unrecognized keys to be
// ignored with a logged config error rather than rejected.
package config

import "time"

// Config is the top-level process configuration, bound from the
// environment via github.com/caarlos0/env/v11 struct tags. Field names
// mirror spec.md §6's option names with dots replaced by underscores
// because env vars can't carry dots.
type Config struct {
	WorkflowDBURL string `env:"WORKFLOW_DB_URL,required"`
	CMSDBURL      string `env:"CMS_DB_URL"` // may coincide with WorkflowDBURL (separate schemas)

	KubeNamespace string `env:"KUBE_NAMESPACE" envDefault:"default"`
	KubeRegion    string `env:"KUBE_REGION" envDefault:"local"`

	ActivityDefaultMaxAttempts int `env:"ACTIVITY_DEFAULTS_MAX_ATTEMPTS" envDefault:"1"`

	EngineOrchestratorLockMS int `env:"ENGINE_ORCHESTRATOR_LOCK_MS" envDefault:"5000"`
	EngineActivityLockMS     int `env:"ENGINE_ACTIVITY_LOCK_MS" envDefault:"300000"`
	EngineDispatchIdleMS     int `env:"ENGINE_DISPATCH_IDLE_MS" envDefault:"100"`
	EngineTimerPollMS        int `env:"ENGINE_TIMER_POLL_MS" envDefault:"1000"`

	EngineOrchestrationWorkers int `env:"ENGINE_ORCHESTRATION_WORKERS" envDefault:"4"`
	EngineActivityWorkers      int `env:"ENGINE_ACTIVITY_WORKERS" envDefault:"8"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// OrchestratorLockDuration is EngineOrchestratorLockMS as a time.Duration.
func (c Config) OrchestratorLockDuration() time.Duration {
	return time.Duration(c.EngineOrchestratorLockMS) * time.Millisecond
}

// ActivityLockDuration is EngineActivityLockMS as a time.Duration.
func (c Config) ActivityLockDuration() time.Duration {
	return time.Duration(c.EngineActivityLockMS) * time.Millisecond
}

// DispatchIdleDuration is EngineDispatchIdleMS as a time.Duration.
func (c Config) DispatchIdleDuration() time.Duration {
	return time.Duration(c.EngineDispatchIdleMS) * time.Millisecond
}

// TimerPollDuration is EngineTimerPollMS as a time.Duration: how often the
// dispatcher scans for durable timers whose due time has passed.
func (c Config) TimerPollDuration() time.Duration {
	return time.Duration(c.EngineTimerPollMS) * time.Millisecond
}

// EffectiveCMSDBURL returns CMSDBURL, falling back to WorkflowDBURL when the
// CMS is colocated in the same database under a separate schema (spec.md
// §6: "cms.db.url (may coincide with workflow db; separate schemas)").
func (c Config) EffectiveCMSDBURL() string {
	if c.CMSDBURL == "" {
		return c.WorkflowDBURL
	}
	return c.CMSDBURL
}

// recognizedEnvKeys lists every environment variable Load binds, used to
// detect and log-ignore options outside the recognized set (spec.md §6).
var recognizedEnvKeys = []string{
	"TOYGRES_WORKFLOW_DB_URL",
	"TOYGRES_CMS_DB_URL",
	"TOYGRES_KUBE_NAMESPACE",
	"TOYGRES_KUBE_REGION",
	"TOYGRES_ACTIVITY_DEFAULTS_MAX_ATTEMPTS",
	"TOYGRES_ENGINE_ORCHESTRATOR_LOCK_MS",
	"TOYGRES_ENGINE_ACTIVITY_LOCK_MS",
	"TOYGRES_ENGINE_DISPATCH_IDLE_MS",
	"TOYGRES_ENGINE_TIMER_POLL_MS",
	"TOYGRES_ENGINE_ORCHESTRATION_WORKERS",
	"TOYGRES_ENGINE_ACTIVITY_WORKERS",
	"TOYGRES_HTTP_ADDR",
}
