// Package activities names the activity catalog (spec §4.7 C11) shared
// between internal/activities/kube, internal/activities/cms, and
// internal/lifecycle's orchestration programs, so the programs can
// reference an activity by its registered name without importing the
// packages that implement it (those packages, in turn, depend on
// client-go/pgx — dependencies the deterministic orchestration programs
// must never see directly).
package activities

const (
	DeployPostgres        = "kube_deploy_postgres"
	WaitReady             = "kube_wait_ready"
	GetConnectionEndpoint = "kube_get_connection_endpoint"
	DeletePostgres        = "kube_delete_postgres"

	CMSInsertPending     = "cms_insert_pending"
	CMSUpdate            = "cms_update"
	CMSMarkFailed        = "cms_mark_failed"
	CMSMarkDeleting      = "cms_mark_deleting"
	CMSMarkDeleted       = "cms_mark_deleted"
	CMSGetByUserName     = "cms_get_by_user_name"
	CMSRecordHealthCheck = "cms_record_health_check"
	CMSSetActor          = "cms_set_actor"

	// TestConnection lives in internal/activities/cms: it dials the
	// allocated Postgres endpoint directly rather than asking Kubernetes
	// about StatefulSet replica status.
	TestConnection = "cms_test_connection"

	SignalActorCancel = "signal_actor_cancel"
	WaitActorAck      = "signal_wait_actor_ack"
)
