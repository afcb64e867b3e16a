// Package lifecycle implements the three orchestration programs spec §4.5
// names: CreateInstance, DeleteInstance, and InstanceActor. Each is an
// engine.OrchestrationFunc registered under its own name/version; none of
// them know about Postgres, Kubernetes, or CMS directly — they only
// schedule named activities (internal/activities/kube,
// internal/activities/cms) through engine.Context, keeping the programs
// themselves deterministic and side-effect-free.
package lifecycle

const (
	OrchestrationCreateInstance = "create_instance"
	OrchestrationDeleteInstance = "delete_instance"
	OrchestrationInstanceActor  = "instance_actor"

	Version = 1

	// ContinueAsNewThreshold bounds InstanceActor's history length: after
	// this many health-check turns it continues as new with a fresh,
	// empty history (spec §4.5).
	ContinueAsNewThreshold = 50
)

// CreateInstanceInput starts a new Postgres instance end to end: CMS
// bookkeeping, StatefulSet/Service/PVC provisioning, readiness wait, and
// finally kicking off its InstanceActor. Fields beyond K8sName/UserName/
// Region carry the rest of the CMS Instance Record a caller may specify up
// front (spec §3); every one defaults sensibly when left zero-valued, the
// defaulting is applied by the activities that actually provision resources
// (internal/activities/kube, internal/activities/cms) rather than here, so
// the program itself stays a thin, deterministic pass-through of whatever
// the caller asked for.
type CreateInstanceInput struct {
	K8sName  string `json:"k8s_name"`
	UserName string `json:"user_name"`
	Region   string `json:"region"`

	Namespace       string `json:"namespace,omitempty"`
	Password        string `json:"password,omitempty"`
	PostgresVersion string `json:"postgres_version,omitempty"`
	StorageSizeGB   int    `json:"storage_size_gb,omitempty"`
	UseLoadBalancer bool   `json:"use_load_balancer,omitempty"`
	DNSLabel        string `json:"dns_label,omitempty"`
}

// CreateInstanceOutput is CreateInstance's terminal result: the two
// connection strings a caller can use to reach the new instance (spec §3,
// §8 scenario 1) — one addressed by IP, one by in-cluster DNS name.
type CreateInstanceOutput struct {
	IPConnectionString  string `json:"ip_connection_string"`
	DNSConnectionString string `json:"dns_connection_string"`
}

// DeleteInstanceInput tears an instance down: signals its InstanceActor to
// stop, deletes the Kubernetes resources, and marks the CMS row deleted.
type DeleteInstanceInput struct {
	K8sName string `json:"k8s_name"`
}

// InstanceActorInput drives a running instance's periodic health checks.
// ChecksSinceStart carries forward across continue-as-new boundaries so
// logs/metrics can report a monotonically increasing check count even
// though each execution's own history resets.
type InstanceActorInput struct {
	K8sName               string `json:"k8s_name"`
	HealthCheckIntervalMS int64  `json:"health_check_interval_ms"`
	ChecksSinceStart      int64  `json:"checks_since_start"`
}
