// Package cms implements the Catalog Management Store half of the activity
// catalog (spec §4.7 C11, spec §5): pgx-backed reads and writes against the
// instances/instance_events/instance_health_checks tables, reached only
// through activities so the deterministic orchestration programs in
// internal/lifecycle never see a SQL connection directly.
package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/affandar/toygres/internal/activities"
	"github.com/affandar/toygres/internal/activityworker"
	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/pkg/errs"
	"github.com/affandar/toygres/pkg/logging"
)

// Catalog implements the CMS activities against a dedicated pgxpool.Pool —
// a separate logical schema from the workflow history store's pool (spec
// §5: CMS and the workflow engine are decoupled stores).
type Catalog struct {
	pool *pgxpool.Pool
}

// New wraps an already-opened pool (see internal/migrate.ApplyCMSSchema for
// the schema this catalog assumes).
func New(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// RegisterAll adds every CMS activity to reg under the names
// internal/activities declares.
func (c *Catalog) RegisterAll(reg *activityworker.Registry) {
	reg.Register(activities.CMSInsertPending, c.InsertPending)
	reg.Register(activities.CMSUpdate, c.Update)
	reg.Register(activities.CMSMarkFailed, c.MarkFailed)
	reg.Register(activities.CMSMarkDeleting, c.MarkDeleting)
	reg.Register(activities.CMSMarkDeleted, c.MarkDeleted)
	reg.Register(activities.CMSGetByUserName, c.GetByUserName)
	reg.Register(activities.CMSRecordHealthCheck, c.RecordHealthCheck)
	reg.Register(activities.CMSSetActor, c.SetActor)
	reg.Register(activities.TestConnection, c.TestConnection)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// instanceID is the identifier shared between the workflow engine's
// orchestration_instances row and this store's instances row: the client
// starts CreateInstance/DeleteInstance with instance_id == k8s_name, so the
// two stores can be joined without a lookup table.
func instanceID(k8sName string) string { return k8sName }

const (
	defaultNamespace       = "default"
	defaultPostgresVersion = "16"
	defaultStorageSizeGB   = 10
)

type insertPendingInput struct {
	lifecycle.CreateInstanceInput
	CreateOrchestrationID string `json:"create_orchestration_id"`
}

// InsertPending creates the instances row a new CreateInstance execution
// provisions against, in status Pending, recording every provisioning
// parameter the caller supplied (spec §3's CMS Instance Record) plus the
// orchestration id that created it. Idempotent on retry: a conflict on
// k8s_name from the same instance_id is tolerated, any other conflict (a
// different live instance already holds user_name/dns_name) is an AppError.
func (c *Catalog) InsertPending(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[insertPendingInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}
	dnsName := in.K8sName + ".toygres.internal"

	namespace := in.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	postgresVersion := in.PostgresVersion
	if postgresVersion == "" {
		postgresVersion = defaultPostgresVersion
	}
	storageSizeGB := in.StorageSizeGB
	if storageSizeGB <= 0 {
		storageSizeGB = defaultStorageSizeGB
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO instances (
			k8s_name, user_name, dns_name, instance_id, status, region,
			namespace, password, postgres_version, storage_size_gb,
			use_load_balancer, dns_label, create_orchestration_id, health_status
		)
		VALUES ($1, $2, $3, $4, 'Pending', $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, 'Unknown')
		ON CONFLICT (k8s_name) DO NOTHING
	`, in.K8sName, in.UserName, dnsName, instanceID(in.K8sName), in.Region,
		namespace, in.Password, postgresVersion, storageSizeGB,
		in.UseLoadBalancer, in.DNSLabel, in.CreateOrchestrationID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errs.App(fmt.Errorf("cms: insert pending: %w", err))
		}
		return nil, errs.Infra(fmt.Errorf("cms: insert pending: %w", err))
	}

	if err := c.audit(ctx, in.K8sName, "Normal", "Provisioning", "instance creation started"); err != nil {
		logging.Warn("cms", "audit write failed for %s: %v", in.K8sName, err)
	}
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

type updateInput struct {
	K8sName             string `json:"k8s_name"`
	ConnectionEndpoint  string `json:"connection_endpoint"`
	IPConnectionString  string `json:"ip_connection_string"`
	DNSConnectionString string `json:"dns_connection_string"`
	Status              string `json:"status"`
}

// Update sets an instance's connection strings and status, typically the
// transition from Pending to Running once Kubernetes reports ready and
// test_connection has confirmed the instance is reachable (spec §4.5.1).
func (c *Catalog) Update(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[updateInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE instances
		SET connection_endpoint = $2, ip_connection_string = $3, dns_connection_string = $4,
		    status = $5, health_status = 'Healthy', updated_at = now()
		WHERE k8s_name = $1
	`, in.K8sName, in.ConnectionEndpoint, in.IPConnectionString, in.DNSConnectionString, in.Status)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: update: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.App(fmt.Errorf("cms: update: no instance row for %s", in.K8sName))
	}

	if err := c.audit(ctx, in.K8sName, "Normal", "StatusChanged", "status set to "+in.Status); err != nil {
		logging.Warn("cms", "audit write failed for %s: %v", in.K8sName, err)
	}
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

type setActorInput struct {
	K8sName                      string `json:"k8s_name"`
	InstanceActorOrchestrationID string `json:"instance_actor_orchestration_id"`
}

// SetActor persists the InstanceActor sub-orchestration's id against the
// instance row, so a later DeleteInstance (or an operator inspecting the
// catalog) can locate the actor execution without relying on the
// actor-instance-id naming convention alone (spec §3).
func (c *Catalog) SetActor(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[setActorInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE instances SET instance_actor_orchestration_id = $2, updated_at = now() WHERE k8s_name = $1
	`, in.K8sName, in.InstanceActorOrchestrationID)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: set actor: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.App(fmt.Errorf("cms: set actor: no instance row for %s", in.K8sName))
	}
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

func (c *Catalog) setStatus(ctx context.Context, k8sName, status, reason, message string) (json.RawMessage, error) {
	tag, err := c.pool.Exec(ctx, `
		UPDATE instances SET status = $2, updated_at = now() WHERE k8s_name = $1
	`, k8sName, status)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: set status %s: %w", status, err))
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.App(fmt.Errorf("cms: set status %s: no instance row for %s", status, k8sName))
	}
	if err := c.audit(ctx, k8sName, "Warning", reason, message); err != nil {
		logging.Warn("cms", "audit write failed for %s: %v", k8sName, err)
	}
	return json.Marshal(map[string]string{"k8s_name": k8sName})
}

// MarkFailed records a CreateInstance failure so the instances row doesn't
// linger in Pending (spec §4.5.1 compensation path).
func (c *Catalog) MarkFailed(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.CreateInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}
	return c.setStatus(ctx, in.K8sName, "Failed", "ProvisioningFailed", "instance creation failed")
}

// MarkDeleting flips an instance to Deleting before DeleteInstance tears
// down its Kubernetes resources, so a concurrent get/list reflects the
// in-flight deletion. delete_orchestration_id is recorded here so a get/list
// consumer can find the deleting execution's history.
func (c *Catalog) MarkDeleting(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.DeleteInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE instances
		SET status = 'Deleting', delete_orchestration_id = $2, updated_at = now()
		WHERE k8s_name = $1
	`, in.K8sName, instanceID(in.K8sName)+"-delete")
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: mark deleting: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.App(fmt.Errorf("cms: mark deleting: no instance row for %s", in.K8sName))
	}
	if err := c.audit(ctx, in.K8sName, "Normal", "DeletionStarted", "instance deletion started"); err != nil {
		logging.Warn("cms", "audit write failed for %s: %v", in.K8sName, err)
	}
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

// MarkDeleted sets deleted_at, freeing the instance's user_name/dns_name for
// reuse by a later create (schema's partial unique indexes are scoped to
// deleted_at IS NULL).
func (c *Catalog) MarkDeleted(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[lifecycle.DeleteInstanceInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE instances SET status = 'Deleted', deleted_at = now(), updated_at = now() WHERE k8s_name = $1
	`, in.K8sName)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: mark deleted: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.App(fmt.Errorf("cms: mark deleted: no instance row for %s", in.K8sName))
	}
	if err := c.audit(ctx, in.K8sName, "Normal", "Deleted", "instance deleted"); err != nil {
		logging.Warn("cms", "audit write failed for %s: %v", in.K8sName, err)
	}
	return json.Marshal(map[string]string{"k8s_name": in.K8sName})
}

// InstanceRecord is the CMS row shape returned by GetByUserName (spec §3).
type InstanceRecord struct {
	K8sName                      string `json:"k8s_name"`
	UserName                     string `json:"user_name"`
	DNSName                      string `json:"dns_name"`
	InstanceID                   string `json:"instance_id"`
	Status                       string `json:"status"`
	Region                       string `json:"region"`
	ConnectionEndpoint           string `json:"connection_endpoint,omitempty"`
	Namespace                    string `json:"namespace"`
	PostgresVersion              string `json:"postgres_version"`
	StorageSizeGB                int    `json:"storage_size_gb"`
	UseLoadBalancer              bool   `json:"use_load_balancer"`
	DNSLabel                     string `json:"dns_label,omitempty"`
	ExternalIP                   string `json:"external_ip,omitempty"`
	IPConnectionString           string `json:"ip_connection_string,omitempty"`
	DNSConnectionString          string `json:"dns_connection_string,omitempty"`
	HealthStatus                 string `json:"health_status"`
	CreateOrchestrationID        string `json:"create_orchestration_id,omitempty"`
	DeleteOrchestrationID        string `json:"delete_orchestration_id,omitempty"`
	InstanceActorOrchestrationID string `json:"instance_actor_orchestration_id,omitempty"`
}

// GetByUserName looks up a live (not-deleted) instance by its user-facing
// name. It is registered as the cms_get_by_user_name activity; none of the
// lifecycle programs schedule it.
func (c *Catalog) GetByUserName(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in struct {
		UserName string `json:"user_name"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	var rec InstanceRecord
	var connEndpoint, dnsLabel, externalIP, ipConn, dnsConn, createOrch, deleteOrch, actorOrch *string
	err := c.pool.QueryRow(ctx, `
		SELECT k8s_name, user_name, dns_name, instance_id, status, region, connection_endpoint,
		       namespace, postgres_version, storage_size_gb, use_load_balancer, dns_label,
		       external_ip, ip_connection_string, dns_connection_string, health_status,
		       create_orchestration_id, delete_orchestration_id, instance_actor_orchestration_id
		FROM instances WHERE user_name = $1 AND deleted_at IS NULL
	`, in.UserName).Scan(
		&rec.K8sName, &rec.UserName, &rec.DNSName, &rec.InstanceID, &rec.Status, &rec.Region, &connEndpoint,
		&rec.Namespace, &rec.PostgresVersion, &rec.StorageSizeGB, &rec.UseLoadBalancer, &dnsLabel,
		&externalIP, &ipConn, &dnsConn, &rec.HealthStatus,
		&createOrch, &deleteOrch, &actorOrch)
	if err == pgx.ErrNoRows {
		return nil, errs.App(fmt.Errorf("cms: no live instance for user_name %s: %w", in.UserName, errs.ErrNotFound))
	}
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: get by user_name: %w", err))
	}
	if connEndpoint != nil {
		rec.ConnectionEndpoint = *connEndpoint
	}
	if dnsLabel != nil {
		rec.DNSLabel = *dnsLabel
	}
	if externalIP != nil {
		rec.ExternalIP = *externalIP
	}
	if ipConn != nil {
		rec.IPConnectionString = *ipConn
	}
	if dnsConn != nil {
		rec.DNSConnectionString = *dnsConn
	}
	if createOrch != nil {
		rec.CreateOrchestrationID = *createOrch
	}
	if deleteOrch != nil {
		rec.DeleteOrchestrationID = *deleteOrch
	}
	if actorOrch != nil {
		rec.InstanceActorOrchestrationID = *actorOrch
	}
	return json.Marshal(rec)
}

type healthCheckInput struct {
	K8sName string `json:"k8s_name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// RecordHealthCheck appends one row to instance_health_checks and updates
// the instance's health_status summary column, called once per
// InstanceActor loop iteration (spec §4.5.3).
func (c *Catalog) RecordHealthCheck(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	in, err := decode[healthCheckInput](raw)
	if err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO instance_health_checks (instance_id, healthy, detail)
		VALUES ($1, $2, NULLIF($3, ''))
	`, instanceID(in.K8sName), in.Healthy, in.Detail)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: record health check: %w", err))
	}

	healthStatus := "Healthy"
	if !in.Healthy {
		healthStatus = "Unhealthy"
	}
	if _, err := c.pool.Exec(ctx, `
		UPDATE instances SET health_status = $2, updated_at = now() WHERE k8s_name = $1
	`, in.K8sName, healthStatus); err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: update health_status: %w", err))
	}

	return json.Marshal(map[string]bool{"recorded": true})
}

// TestConnection dials the instance's allocated Postgres endpoint directly
// and runs a trivial query, used both by CreateInstance's provisioning
// precondition (spec §4.5.1 step 5) and InstanceActor's periodic health
// check. A row we can no longer find in CMS is an AppError (nothing left to
// retry); a dial or query failure against a row that still exists is
// Infra, retried per the caller's own policy.
func (c *Catalog) TestConnection(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in struct {
		K8sName            string `json:"k8s_name"`
		ConnectionEndpoint string `json:"connection_endpoint,omitempty"`
		Password           string `json:"password,omitempty"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.App(fmt.Errorf("cms: decode input: %w", err))
	}

	endpoint := in.ConnectionEndpoint
	password := in.Password
	if endpoint == "" {
		var dbEndpoint *string
		var dbPassword *string
		err := c.pool.QueryRow(ctx, `
			SELECT connection_endpoint, password FROM instances WHERE k8s_name = $1
		`, in.K8sName).Scan(&dbEndpoint, &dbPassword)
		if err == pgx.ErrNoRows {
			return nil, errs.App(fmt.Errorf("cms: no instance row for %s", in.K8sName))
		}
		if err != nil {
			return nil, errs.Infra(fmt.Errorf("cms: look up endpoint: %w", err))
		}
		if dbEndpoint == nil || *dbEndpoint == "" {
			return nil, errs.Infra(fmt.Errorf("cms: instance %s has no connection_endpoint yet", in.K8sName))
		}
		endpoint = *dbEndpoint
		if dbPassword != nil {
			password = *dbPassword
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dsn := fmt.Sprintf("postgres://postgres@%s/postgres?sslmode=disable", endpoint)
	if password != "" {
		dsn = fmt.Sprintf("postgres://postgres:%s@%s/postgres?sslmode=disable", password, endpoint)
	}
	conn, err := pgx.Connect(dialCtx, dsn)
	if err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: dial %s: %w", endpoint, err))
	}
	defer conn.Close(dialCtx)

	var version string
	if err := conn.QueryRow(dialCtx, "SELECT version()").Scan(&version); err != nil {
		return nil, errs.Infra(fmt.Errorf("cms: probe %s: %w", endpoint, err))
	}

	return json.Marshal(map[string]bool{"healthy": true})
}

func (c *Catalog) audit(ctx context.Context, k8sName, kind, reason, message string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO instance_events (instance_id, kind, reason, message)
		VALUES ($1, $2, $3, $4)
	`, instanceID(k8sName), kind, reason, message)
	return err
}
