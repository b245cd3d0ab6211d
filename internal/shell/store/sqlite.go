package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/slipway-sh/slipway/internal/core/crypto"
	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/core/envvar"
	"github.com/slipway-sh/slipway/internal/core/traefik"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite. The seal key encrypts secret
// variable values at rest; it must be at least 32 bytes.
type SQLiteStore struct {
	db      *sqlx.DB
	sealKey []byte
}

// NewSQLiteStore opens the database, runs migrations and returns the store.
func NewSQLiteStore(dsn string, sealKey []byte) (*SQLiteStore, error) {
	if len(sealKey) < 32 {
		return nil, NewStoreError("NewSQLiteStore", "", "", "seal key must be at least 32 bytes", ErrInvalidData)
	}

	// The busy timeout keeps concurrent workers from surfacing transient
	// SQLITE_BUSY errors as failures.
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, sealKey: sealKey}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Service Operations
// =============================================================================

// serviceRow represents a service row in the database.
type serviceRow struct {
	ID              string  `db:"id"`
	Name            string  `db:"name"`
	AppName         string  `db:"app_name"`
	Environment     string  `db:"environment"`
	Source          string  `db:"source"`
	BuilderID       string  `db:"builder_id"`
	BuilderConfig   *string `db:"builder_config"`
	ContainerPort   int     `db:"container_port"`
	HealthCheckPath string  `db:"health_check_path"`
	Domains         *string `db:"domains"`
	Middleware      *string `db:"middleware"`
	RuntimeHost     string  `db:"runtime_host"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func (s *SQLiteStore) UpsertService(ctx context.Context, service *domain.Service) error {
	return upsertService(ctx, s.db, service)
}

func (s *SQLiteStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	return getService(ctx, s.db, id)
}

func (s *SQLiteStore) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	return getServiceByName(ctx, s.db, name)
}

func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	return deleteService(ctx, s.db, id)
}

func (s *SQLiteStore) ListServices(ctx context.Context, opts ListOptions) ([]domain.Service, error) {
	return listServices(ctx, s.db, opts)
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID                string  `db:"id"`
	ServiceID         string  `db:"service_id"`
	Status            string  `db:"status"`
	Environment       string  `db:"environment"`
	SourceType        string  `db:"source_type"`
	SourceConfig      string  `db:"source_config"`
	ImageTag          string  `db:"image_tag"`
	ContainerName     string  `db:"container_name"`
	HealthCheckURL    string  `db:"health_check_url"`
	ErrorMessage      string  `db:"error_message"`
	Metadata          *string `db:"metadata"`
	BuildStartedAt    *string `db:"build_started_at"`
	BuildCompletedAt  *string `db:"build_completed_at"`
	DeployStartedAt   *string `db:"deploy_started_at"`
	DeployCompletedAt *string `db:"deploy_completed_at"`
	CreatedAt         string  `db:"created_at"`
	UpdatedAt         string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeploymentsByService(ctx context.Context, serviceID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByService(ctx, s.db, serviceID, opts)
}

func (s *SQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.db, status, opts)
}

// =============================================================================
// Deployment Event Operations
// =============================================================================

// eventRow represents a deployment event row in the database.
type eventRow struct {
	Sequence     int64   `db:"sequence"`
	DeploymentID string  `db:"deployment_id"`
	Kind         string  `db:"kind"`
	Phase        string  `db:"phase"`
	Progress     int     `db:"progress"`
	Level        string  `db:"level"`
	Message      string  `db:"message"`
	Error        string  `db:"error"`
	Metadata     *string `db:"metadata"`
	Timestamp    string  `db:"timestamp"`
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return appendEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID string, afterSequence int64) ([]domain.DeploymentEvent, error) {
	return listEvents(ctx, s.db, deploymentID, afterSequence)
}

// =============================================================================
// Environment Variable Operations
// =============================================================================

// variableRow represents an environment variable row in the database.
// Secret values are sealed in the value and resolved_value columns.
type variableRow struct {
	ID               string  `db:"id"`
	ServiceID        string  `db:"service_id"`
	Key              string  `db:"key"`
	Value            string  `db:"value"`
	IsDynamic        bool    `db:"is_dynamic"`
	IsSecret         bool    `db:"is_secret"`
	Refs             *string `db:"refs"`
	ResolvedValue    string  `db:"resolved_value"`
	ResolutionStatus string  `db:"resolution_status"`
	ResolutionError  string  `db:"resolution_error"`
	LastResolved     *string `db:"last_resolved"`
	CreatedAt        string  `db:"created_at"`
	UpdatedAt        string  `db:"updated_at"`
}

func (s *SQLiteStore) ReplaceVariables(ctx context.Context, serviceID string, variables []envvar.Variable) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.ReplaceVariables(ctx, serviceID, variables)
	})
}

func (s *SQLiteStore) ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error) {
	return listVariables(ctx, s.db, s.sealKey, serviceID)
}

func (s *SQLiteStore) SaveVariableResolution(ctx context.Context, variable envvar.Variable) error {
	return saveVariableResolution(ctx, s.db, s.sealKey, variable)
}

// =============================================================================
// Route Targets
// =============================================================================

func (s *SQLiteStore) RouteTargets(ctx context.Context) ([]traefik.RouteTarget, error) {
	return routeTargets(ctx, s.db)
}

// =============================================================================
// Provision Operations
// =============================================================================

// provisionRow represents a capacity provision row in the database. The
// private key bytes arrive sealed from the provisioner and are stored as-is.
type provisionRow struct {
	ID                 string  `db:"id"`
	Name               string  `db:"name"`
	Provider           string  `db:"provider"`
	Status             string  `db:"status"`
	Region             string  `db:"region"`
	Size               string  `db:"size"`
	ProviderInstanceID string  `db:"provider_instance_id"`
	PublicIP           string  `db:"public_ip"`
	DockerHost         string  `db:"docker_host"`
	SSHPublicKey       string  `db:"ssh_public_key"`
	SSHPrivateKey      []byte  `db:"ssh_private_key"`
	ErrorMessage       string  `db:"error_message"`
	CreatedAt          string  `db:"created_at"`
	UpdatedAt          string  `db:"updated_at"`
	CompletedAt        *string `db:"completed_at"`
}

func (s *SQLiteStore) CreateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	return createProvision(ctx, s.db, provision)
}

func (s *SQLiteStore) GetProvision(ctx context.Context, id string) (*domain.CapacityProvision, error) {
	return getProvision(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	return updateProvision(ctx, s.db, provision)
}

func (s *SQLiteStore) DeleteProvision(ctx context.Context, id string) error {
	return deleteProvision(ctx, s.db, id)
}

func (s *SQLiteStore) ListProvisions(ctx context.Context, opts ListOptions) ([]domain.CapacityProvision, error) {
	return listProvisions(ctx, s.db, opts)
}

func (s *SQLiteStore) ListProvisionsByStatus(ctx context.Context, status domain.ProvisionStatus, opts ListOptions) ([]domain.CapacityProvision, error) {
	return listProvisionsByStatus(ctx, s.db, status, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, sealKey: s.sealKey}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx      *sqlx.Tx
	sealKey []byte
}

func (s *txSQLiteStore) UpsertService(ctx context.Context, service *domain.Service) error {
	return upsertService(ctx, s.tx, service)
}

func (s *txSQLiteStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	return getService(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	return getServiceByName(ctx, s.tx, name)
}

func (s *txSQLiteStore) DeleteService(ctx context.Context, id string) error {
	return deleteService(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListServices(ctx context.Context, opts ListOptions) ([]domain.Service, error) {
	return listServices(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListDeploymentsByService(ctx context.Context, serviceID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByService(ctx, s.tx, serviceID, opts)
}

func (s *txSQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeploymentsByStatus(ctx, s.tx, status, opts)
}

func (s *txSQLiteStore) AppendEvent(ctx context.Context, event *domain.DeploymentEvent) error {
	return appendEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListEvents(ctx context.Context, deploymentID string, afterSequence int64) ([]domain.DeploymentEvent, error) {
	return listEvents(ctx, s.tx, deploymentID, afterSequence)
}

func (s *txSQLiteStore) ReplaceVariables(ctx context.Context, serviceID string, variables []envvar.Variable) error {
	return replaceVariables(ctx, s.tx, s.sealKey, serviceID, variables)
}

func (s *txSQLiteStore) ListVariables(ctx context.Context, serviceID string) ([]envvar.Variable, error) {
	return listVariables(ctx, s.tx, s.sealKey, serviceID)
}

func (s *txSQLiteStore) SaveVariableResolution(ctx context.Context, variable envvar.Variable) error {
	return saveVariableResolution(ctx, s.tx, s.sealKey, variable)
}

func (s *txSQLiteStore) RouteTargets(ctx context.Context) ([]traefik.RouteTarget, error) {
	return routeTargets(ctx, s.tx)
}

func (s *txSQLiteStore) CreateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	return createProvision(ctx, s.tx, provision)
}

func (s *txSQLiteStore) GetProvision(ctx context.Context, id string) (*domain.CapacityProvision, error) {
	return getProvision(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateProvision(ctx context.Context, provision *domain.CapacityProvision) error {
	return updateProvision(ctx, s.tx, provision)
}

func (s *txSQLiteStore) DeleteProvision(ctx context.Context, id string) error {
	return deleteProvision(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListProvisions(ctx context.Context, opts ListOptions) ([]domain.CapacityProvision, error) {
	return listProvisions(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListProvisionsByStatus(ctx context.Context, status domain.ProvisionStatus, opts ListOptions) ([]domain.CapacityProvision, error) {
	return listProvisionsByStatus(ctx, s.tx, status, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Service Implementation
// =============================================================================

func upsertService(ctx context.Context, exec executor, service *domain.Service) error {
	sourceJSON, err := json.Marshal(service.Source)
	if err != nil {
		return NewStoreError("UpsertService", "service", service.ID, "failed to serialize source", ErrInvalidData)
	}
	builderConfigJSON, err := json.Marshal(service.BuilderConfig)
	if err != nil {
		return NewStoreError("UpsertService", "service", service.ID, "failed to serialize builder config", ErrInvalidData)
	}
	domainsJSON, err := json.Marshal(service.Domains)
	if err != nil {
		return NewStoreError("UpsertService", "service", service.ID, "failed to serialize domains", ErrInvalidData)
	}
	middlewareJSON, err := json.Marshal(service.Middleware)
	if err != nil {
		return NewStoreError("UpsertService", "service", service.ID, "failed to serialize middleware", ErrInvalidData)
	}

	now := time.Now().UTC()
	if service.CreatedAt.IsZero() {
		service.CreatedAt = now
	}
	if service.UpdatedAt.IsZero() {
		service.UpdatedAt = now
	}

	query := `
		INSERT INTO services (
			id, name, app_name, environment, source, builder_id, builder_config,
			container_port, health_check_path, domains, middleware, runtime_host,
			created_at, updated_at
		) VALUES (
			:id, :name, :app_name, :environment, :source, :builder_id, :builder_config,
			:container_port, :health_check_path, :domains, :middleware, :runtime_host,
			:created_at, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			app_name = excluded.app_name,
			environment = excluded.environment,
			source = excluded.source,
			builder_id = excluded.builder_id,
			builder_config = excluded.builder_config,
			container_port = excluded.container_port,
			health_check_path = excluded.health_check_path,
			domains = excluded.domains,
			middleware = excluded.middleware,
			runtime_host = excluded.runtime_host,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"id":                service.ID,
		"name":              service.Name,
		"app_name":          service.AppName,
		"environment":       string(service.Environment),
		"source":            string(sourceJSON),
		"builder_id":        service.BuilderID,
		"builder_config":    string(builderConfigJSON),
		"container_port":    service.ContainerPort,
		"health_check_path": service.HealthCheckPath,
		"domains":           string(domainsJSON),
		"middleware":        string(middlewareJSON),
		"runtime_host":      service.RuntimeHost,
		"created_at":        service.CreatedAt.Format(time.RFC3339),
		"updated_at":        service.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: services.app_name") {
			return NewStoreError("UpsertService", "service", service.ID, "service with this app name already exists", ErrDuplicateName)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("UpsertService", "service", service.ID, "unknown environment", ErrForeignKey)
		}
		return NewStoreError("UpsertService", "service", service.ID, err.Error(), err)
	}

	return nil
}

func getService(ctx context.Context, exec executor, id string) (*domain.Service, error) {
	query := `SELECT * FROM services WHERE id = ?`

	var row serviceRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetService", "service", id, "service not found", ErrNotFound)
		}
		return nil, NewStoreError("GetService", "service", id, err.Error(), err)
	}

	return rowToService(&row)
}

func getServiceByName(ctx context.Context, exec executor, name string) (*domain.Service, error) {
	query := `SELECT * FROM services WHERE app_name = ? OR name = ? LIMIT 1`

	var row serviceRow
	err := exec.GetContext(ctx, &row, query, name, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetServiceByName", "service", name, "service not found", ErrNotFound)
		}
		return nil, NewStoreError("GetServiceByName", "service", name, err.Error(), err)
	}

	return rowToService(&row)
}

func deleteService(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM services WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteService", "service", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteService", "service", id, "service not found", ErrNotFound)
	}

	return nil
}

func listServices(ctx context.Context, exec executor, opts ListOptions) ([]domain.Service, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM services ORDER BY app_name LIMIT ? OFFSET ?`

	var rows []serviceRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListServices", "service", "", err.Error(), err)
	}

	services := make([]domain.Service, 0, len(rows))
	for _, row := range rows {
		service, err := rowToService(&row)
		if err != nil {
			return nil, err
		}
		services = append(services, *service)
	}

	return services, nil
}

// =============================================================================
// Deployment Implementation
// =============================================================================

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	sourceConfigJSON, err := json.Marshal(deployment.SourceConfig)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize source config", ErrInvalidData)
	}
	metadataJSON, err := json.Marshal(deployment.Metadata)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "failed to serialize metadata", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, service_id, status, environment, source_type, source_config,
			image_tag, container_name, health_check_url, error_message, metadata,
			build_started_at, build_completed_at, deploy_started_at, deploy_completed_at,
			created_at, updated_at
		) VALUES (
			:id, :service_id, :status, :environment, :source_type, :source_config,
			:image_tag, :container_name, :health_check_url, :error_message, :metadata,
			:build_started_at, :build_completed_at, :deploy_started_at, :deploy_completed_at,
			:created_at, :updated_at
		)`

	row := map[string]any{
		"id":                  deployment.ID,
		"service_id":          deployment.ServiceID,
		"status":              string(deployment.Status),
		"environment":         string(deployment.Environment),
		"source_type":         string(deployment.SourceType),
		"source_config":       string(sourceConfigJSON),
		"image_tag":           deployment.ImageTag,
		"container_name":      deployment.ContainerName,
		"health_check_url":    deployment.HealthCheckURL,
		"error_message":       deployment.ErrorMessage,
		"metadata":            string(metadataJSON),
		"build_started_at":    formatTimePtr(deployment.BuildStartedAt),
		"build_completed_at":  formatTimePtr(deployment.BuildCompletedAt),
		"deploy_started_at":   formatTimePtr(deployment.DeployStartedAt),
		"deploy_completed_at": formatTimePtr(deployment.DeployCompletedAt),
		"created_at":          deployment.CreatedAt.Format(time.RFC3339),
		"updated_at":          deployment.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "service not found", ErrForeignKey)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	sourceConfigJSON, err := json.Marshal(deployment.SourceConfig)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize source config", ErrInvalidData)
	}
	metadataJSON, err := json.Marshal(deployment.Metadata)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "failed to serialize metadata", ErrInvalidData)
	}

	// Rows that already reached a terminal status stay as written: a cancel
	// recorded by the API must not be overwritten by an orchestrator that has
	// not observed it yet.
	query := `
		UPDATE deployments SET
			status = :status,
			source_config = :source_config,
			image_tag = :image_tag,
			container_name = :container_name,
			health_check_url = :health_check_url,
			error_message = :error_message,
			metadata = :metadata,
			build_started_at = :build_started_at,
			build_completed_at = :build_completed_at,
			deploy_started_at = :deploy_started_at,
			deploy_completed_at = :deploy_completed_at,
			updated_at = :updated_at
		WHERE id = :id
		  AND status NOT IN ('success', 'failed', 'cancelled')`

	row := map[string]any{
		"id":                  deployment.ID,
		"status":              string(deployment.Status),
		"source_config":       string(sourceConfigJSON),
		"image_tag":           deployment.ImageTag,
		"container_name":      deployment.ContainerName,
		"health_check_url":    deployment.HealthCheckURL,
		"error_message":       deployment.ErrorMessage,
		"metadata":            string(metadataJSON),
		"build_started_at":    formatTimePtr(deployment.BuildStartedAt),
		"build_completed_at":  formatTimePtr(deployment.BuildCompletedAt),
		"deploy_started_at":   formatTimePtr(deployment.DeployStartedAt),
		"deploy_completed_at": formatTimePtr(deployment.DeployCompletedAt),
		"updated_at":          deployment.UpdatedAt.Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		var status string
		err := exec.GetContext(ctx, &status, `SELECT status FROM deployments WHERE id = ?`, deployment.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
		}
		if err != nil {
			return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
		}
		// Terminal row; drop the update silently.
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func listDeploymentsByService(ctx context.Context, exec executor, serviceID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE service_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, serviceID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByService", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

func listDeploymentsByStatus(ctx context.Context, exec executor, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	// Oldest first so the deploy queue drains in trigger order.
	query := `SELECT * FROM deployments WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, string(status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByStatus", "deployment", "", err.Error(), err)
	}

	return rowsToDeployments(rows)
}

// =============================================================================
// Deployment Event Implementation
// =============================================================================

func appendEvent(ctx context.Context, exec executor, event *domain.DeploymentEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return NewStoreError("AppendEvent", "deployment_event", event.DeploymentID, "failed to serialize metadata", ErrInvalidData)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO deployment_events (
			deployment_id, kind, phase, progress, level, message, error, metadata, timestamp
		) VALUES (
			:deployment_id, :kind, :phase, :progress, :level, :message, :error, :metadata, :timestamp
		)`

	row := map[string]any{
		"deployment_id": event.DeploymentID,
		"kind":          string(event.Kind),
		"phase":         string(event.Phase),
		"progress":      event.Progress,
		"level":         event.Level,
		"message":       event.Message,
		"error":         event.Error,
		"metadata":      string(metadataJSON),
		"timestamp":     ts.Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("AppendEvent", "deployment_event", event.DeploymentID, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("AppendEvent", "deployment_event", event.DeploymentID, err.Error(), err)
	}

	sequence, err := result.LastInsertId()
	if err != nil {
		return NewStoreError("AppendEvent", "deployment_event", event.DeploymentID, err.Error(), err)
	}

	event.Sequence = sequence
	event.Timestamp = ts
	return nil
}

func listEvents(ctx context.Context, exec executor, deploymentID string, afterSequence int64) ([]domain.DeploymentEvent, error) {
	// Event history is bounded per deployment, so there is no pagination.
	query := `SELECT * FROM deployment_events WHERE deployment_id = ? AND sequence > ? ORDER BY sequence`

	var rows []eventRow
	err := exec.SelectContext(ctx, &rows, query, deploymentID, afterSequence)
	if err != nil {
		return nil, NewStoreError("ListEvents", "deployment_event", deploymentID, err.Error(), err)
	}

	events := make([]domain.DeploymentEvent, 0, len(rows))
	for _, row := range rows {
		event, err := rowToEvent(&row)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	return events, nil
}

// =============================================================================
// Environment Variable Implementation
// =============================================================================

func replaceVariables(ctx context.Context, exec executor, sealKey []byte, serviceID string, variables []envvar.Variable) error {
	if _, err := exec.ExecContext(ctx, `DELETE FROM environment_variables WHERE service_id = ?`, serviceID); err != nil {
		return NewStoreError("ReplaceVariables", "variable", serviceID, err.Error(), err)
	}

	now := time.Now().UTC()
	for _, variable := range variables {
		if variable.ID == "" {
			variable.ID = uuid.New().String()
		}
		variable.ServiceID = serviceID
		if variable.CreatedAt.IsZero() {
			variable.CreatedAt = now
		}
		if variable.UpdatedAt.IsZero() {
			variable.UpdatedAt = now
		}
		if err := insertVariable(ctx, exec, sealKey, variable); err != nil {
			return err
		}
	}

	return nil
}

func insertVariable(ctx context.Context, exec executor, sealKey []byte, variable envvar.Variable) error {
	refsJSON, err := json.Marshal(variable.References)
	if err != nil {
		return NewStoreError("ReplaceVariables", "variable", variable.Key, "failed to serialize references", ErrInvalidData)
	}

	value := variable.Value
	resolvedValue := variable.ResolvedValue
	if variable.IsSecret {
		if value, err = sealValue(variable.Value, sealKey); err != nil {
			return NewStoreError("ReplaceVariables", "variable", variable.Key, "failed to seal value", ErrInvalidData)
		}
		if resolvedValue, err = sealValue(variable.ResolvedValue, sealKey); err != nil {
			return NewStoreError("ReplaceVariables", "variable", variable.Key, "failed to seal resolved value", ErrInvalidData)
		}
	}

	query := `
		INSERT INTO environment_variables (
			id, service_id, key, value, is_dynamic, is_secret, refs,
			resolved_value, resolution_status, resolution_error, last_resolved,
			created_at, updated_at
		) VALUES (
			:id, :service_id, :key, :value, :is_dynamic, :is_secret, :refs,
			:resolved_value, :resolution_status, :resolution_error, :last_resolved,
			:created_at, :updated_at
		)`

	row := map[string]any{
		"id":                variable.ID,
		"service_id":        variable.ServiceID,
		"key":               variable.Key,
		"value":             value,
		"is_dynamic":        variable.IsDynamic,
		"is_secret":         variable.IsSecret,
		"refs":              string(refsJSON),
		"resolved_value":    resolvedValue,
		"resolution_status": string(variable.ResolutionStatus),
		"resolution_error":  variable.ResolutionError,
		"last_resolved":     formatTimePtr(variable.LastResolved),
		"created_at":        variable.CreatedAt.Format(time.RFC3339),
		"updated_at":        variable.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: environment_variables.id") {
			return NewStoreError("ReplaceVariables", "variable", variable.Key, "variable with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("ReplaceVariables", "variable", variable.Key, "variable key repeats within the service", ErrDuplicateKey)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("ReplaceVariables", "variable", variable.Key, "service not found", ErrForeignKey)
		}
		return NewStoreError("ReplaceVariables", "variable", variable.Key, err.Error(), err)
	}

	return nil
}

func listVariables(ctx context.Context, exec executor, sealKey []byte, serviceID string) ([]envvar.Variable, error) {
	query := `SELECT * FROM environment_variables WHERE service_id = ? ORDER BY key`

	var rows []variableRow
	err := exec.SelectContext(ctx, &rows, query, serviceID)
	if err != nil {
		return nil, NewStoreError("ListVariables", "variable", serviceID, err.Error(), err)
	}

	variables := make([]envvar.Variable, 0, len(rows))
	for _, row := range rows {
		variable, err := rowToVariable(&row, sealKey)
		if err != nil {
			return nil, err
		}
		variables = append(variables, *variable)
	}

	return variables, nil
}

func saveVariableResolution(ctx context.Context, exec executor, sealKey []byte, variable envvar.Variable) error {
	resolvedValue := variable.ResolvedValue
	if variable.IsSecret {
		var err error
		if resolvedValue, err = sealValue(variable.ResolvedValue, sealKey); err != nil {
			return NewStoreError("SaveVariableResolution", "variable", variable.Key, "failed to seal resolved value", ErrInvalidData)
		}
	}

	where := `id = :id`
	if variable.ID == "" {
		where = `service_id = :service_id AND key = :key`
	}

	query := `
		UPDATE environment_variables SET
			resolved_value = :resolved_value,
			resolution_status = :resolution_status,
			resolution_error = :resolution_error,
			last_resolved = :last_resolved,
			updated_at = :updated_at
		WHERE ` + where

	row := map[string]any{
		"id":                variable.ID,
		"service_id":        variable.ServiceID,
		"key":               variable.Key,
		"resolved_value":    resolvedValue,
		"resolution_status": string(variable.ResolutionStatus),
		"resolution_error":  variable.ResolutionError,
		"last_resolved":     formatTimePtr(variable.LastResolved),
		"updated_at":        time.Now().UTC().Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("SaveVariableResolution", "variable", variable.Key, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("SaveVariableResolution", "variable", variable.Key, "variable not found", ErrNotFound)
	}

	return nil
}

// =============================================================================
// Route Target Implementation
// =============================================================================

func routeTargets(ctx context.Context, exec executor) ([]traefik.RouteTarget, error) {
	// Latest successful deployment per service; the rowid tiebreak keeps
	// same-second redeploys ordered by insertion.
	query := `
		SELECT * FROM deployments d
		WHERE d.status = 'success'
		  AND d.rowid = (
			SELECT d2.rowid FROM deployments d2
			WHERE d2.service_id = d.service_id AND d2.status = 'success'
			ORDER BY d2.created_at DESC, d2.rowid DESC
			LIMIT 1
		  )
		ORDER BY d.service_id`

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query)
	if err != nil {
		return nil, NewStoreError("RouteTargets", "deployment", "", err.Error(), err)
	}

	targets := make([]traefik.RouteTarget, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}

		service, err := getService(ctx, exec, deployment.ServiceID)
		if err != nil {
			return nil, err
		}
		if !service.Routable() {
			continue
		}

		backend := deployment.Metadata["backend_url"]
		if backend == "" && deployment.ContainerName != "" {
			backend = domain.BackendURL(deployment.ContainerName, service.ContainerPort)
		}
		if backend == "" {
			continue
		}

		targets = append(targets, traefik.RouteTarget{Service: *service, BackendURL: backend})
	}

	return targets, nil
}

// =============================================================================
// Provision Implementation
// =============================================================================

func createProvision(ctx context.Context, exec executor, provision *domain.CapacityProvision) error {
	query := `
		INSERT INTO provisions (
			id, name, provider, status, region, size,
			provider_instance_id, public_ip, docker_host,
			ssh_public_key, ssh_private_key, error_message,
			created_at, updated_at, completed_at
		) VALUES (
			:id, :name, :provider, :status, :region, :size,
			:provider_instance_id, :public_ip, :docker_host,
			:ssh_public_key, :ssh_private_key, :error_message,
			:created_at, :updated_at, :completed_at
		)`

	row := map[string]any{
		"id":                   provision.ID,
		"name":                 provision.Name,
		"provider":             string(provision.Provider),
		"status":               string(provision.Status),
		"region":               provision.Region,
		"size":                 provision.Size,
		"provider_instance_id": provision.ProviderInstanceID,
		"public_ip":            provision.PublicIP,
		"docker_host":          provision.DockerHost,
		"ssh_public_key":       provision.SSHPublicKey,
		"ssh_private_key":      provision.SSHPrivateKeySealed,
		"error_message":        provision.ErrorMessage,
		"created_at":           provision.CreatedAt.Format(time.RFC3339),
		"updated_at":           provision.UpdatedAt.Format(time.RFC3339),
		"completed_at":         formatTimePtr(provision.CompletedAt),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: provisions.id") {
			return NewStoreError("CreateProvision", "provision", provision.ID, "provision with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateProvision", "provision", provision.ID, err.Error(), err)
	}

	return nil
}

func getProvision(ctx context.Context, exec executor, id string) (*domain.CapacityProvision, error) {
	query := `SELECT * FROM provisions WHERE id = ?`

	var row provisionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProvision", "provision", id, "provision not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProvision", "provision", id, err.Error(), err)
	}

	return rowToProvision(&row), nil
}

func updateProvision(ctx context.Context, exec executor, provision *domain.CapacityProvision) error {
	query := `
		UPDATE provisions SET
			name = :name,
			status = :status,
			provider_instance_id = :provider_instance_id,
			public_ip = :public_ip,
			docker_host = :docker_host,
			ssh_public_key = :ssh_public_key,
			ssh_private_key = :ssh_private_key,
			error_message = :error_message,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id`

	row := map[string]any{
		"id":                   provision.ID,
		"name":                 provision.Name,
		"status":               string(provision.Status),
		"provider_instance_id": provision.ProviderInstanceID,
		"public_ip":            provision.PublicIP,
		"docker_host":          provision.DockerHost,
		"ssh_public_key":       provision.SSHPublicKey,
		"ssh_private_key":      provision.SSHPrivateKeySealed,
		"error_message":        provision.ErrorMessage,
		"updated_at":           provision.UpdatedAt.Format(time.RFC3339),
		"completed_at":         formatTimePtr(provision.CompletedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateProvision", "provision", provision.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateProvision", "provision", provision.ID, "provision not found", ErrNotFound)
	}

	return nil
}

func deleteProvision(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM provisions WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return NewStoreError("DeleteProvision", "provision", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteProvision", "provision", id, "provision not found", ErrNotFound)
	}

	return nil
}

func listProvisions(ctx context.Context, exec executor, opts ListOptions) ([]domain.CapacityProvision, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM provisions ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []provisionRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListProvisions", "provision", "", err.Error(), err)
	}

	provisions := make([]domain.CapacityProvision, 0, len(rows))
	for _, row := range rows {
		provisions = append(provisions, *rowToProvision(&row))
	}

	return provisions, nil
}

func listProvisionsByStatus(ctx context.Context, exec executor, status domain.ProvisionStatus, opts ListOptions) ([]domain.CapacityProvision, error) {
	opts = opts.Normalize()
	// Oldest first so the provisioner drains its queue in request order.
	query := `SELECT * FROM provisions WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`

	var rows []provisionRow
	err := exec.SelectContext(ctx, &rows, query, string(status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListProvisionsByStatus", "provision", "", err.Error(), err)
	}

	provisions := make([]domain.CapacityProvision, 0, len(rows))
	for _, row := range rows {
		provisions = append(provisions, *rowToProvision(&row))
	}

	return provisions, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// rowToService converts a database row to a domain.Service.
func rowToService(row *serviceRow) (*domain.Service, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	var source domain.SourceConfig
	if err := json.Unmarshal([]byte(row.Source), &source); err != nil {
		return nil, NewStoreError("rowToService", "service", row.ID, "failed to parse source", ErrInvalidData)
	}

	var builderConfig map[string]any
	if row.BuilderConfig != nil && *row.BuilderConfig != "" && *row.BuilderConfig != "null" {
		if err := json.Unmarshal([]byte(*row.BuilderConfig), &builderConfig); err != nil {
			return nil, NewStoreError("rowToService", "service", row.ID, "failed to parse builder config", ErrInvalidData)
		}
	}

	var domains []domain.DomainRoute
	if row.Domains != nil && *row.Domains != "" && *row.Domains != "null" {
		if err := json.Unmarshal([]byte(*row.Domains), &domains); err != nil {
			return nil, NewStoreError("rowToService", "service", row.ID, "failed to parse domains", ErrInvalidData)
		}
	}

	var middleware domain.RouteMiddleware
	if row.Middleware != nil && *row.Middleware != "" && *row.Middleware != "null" {
		if err := json.Unmarshal([]byte(*row.Middleware), &middleware); err != nil {
			return nil, NewStoreError("rowToService", "service", row.ID, "failed to parse middleware", ErrInvalidData)
		}
	}

	return &domain.Service{
		ID:              row.ID,
		Name:            row.Name,
		AppName:         row.AppName,
		Environment:     domain.Environment(row.Environment),
		Source:          source,
		BuilderID:       row.BuilderID,
		BuilderConfig:   builderConfig,
		ContainerPort:   row.ContainerPort,
		HealthCheckPath: row.HealthCheckPath,
		Domains:         domains,
		Middleware:      middleware,
		RuntimeHost:     row.RuntimeHost,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

// rowToDeployment converts a database row to a domain.Deployment.
func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	var sourceConfig domain.SourceConfig
	if err := json.Unmarshal([]byte(row.SourceConfig), &sourceConfig); err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse source config", ErrInvalidData)
	}

	var metadata map[string]string
	if row.Metadata != nil && *row.Metadata != "" && *row.Metadata != "null" {
		if err := json.Unmarshal([]byte(*row.Metadata), &metadata); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse metadata", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:                row.ID,
		ServiceID:         row.ServiceID,
		Status:            domain.DeploymentStatus(row.Status),
		Environment:       domain.Environment(row.Environment),
		SourceType:        domain.SourceProvider(row.SourceType),
		SourceConfig:      sourceConfig,
		ImageTag:          row.ImageTag,
		ContainerName:     row.ContainerName,
		HealthCheckURL:    row.HealthCheckURL,
		ErrorMessage:      row.ErrorMessage,
		Metadata:          metadata,
		BuildStartedAt:    parseTimePtr(row.BuildStartedAt),
		BuildCompletedAt:  parseTimePtr(row.BuildCompletedAt),
		DeployStartedAt:   parseTimePtr(row.DeployStartedAt),
		DeployCompletedAt: parseTimePtr(row.DeployCompletedAt),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, nil
}

// rowToEvent converts a database row to a domain.DeploymentEvent.
func rowToEvent(row *eventRow) (*domain.DeploymentEvent, error) {
	timestamp, _ := time.Parse(time.RFC3339, row.Timestamp)

	var metadata map[string]any
	if row.Metadata != nil && *row.Metadata != "" && *row.Metadata != "null" {
		if err := json.Unmarshal([]byte(*row.Metadata), &metadata); err != nil {
			return nil, NewStoreError("rowToEvent", "deployment_event", row.DeploymentID, "failed to parse metadata", ErrInvalidData)
		}
	}

	return &domain.DeploymentEvent{
		Sequence:     row.Sequence,
		DeploymentID: row.DeploymentID,
		Kind:         domain.EventKind(row.Kind),
		Phase:        domain.Phase(row.Phase),
		Progress:     row.Progress,
		Level:        row.Level,
		Message:      row.Message,
		Error:        row.Error,
		Metadata:     metadata,
		Timestamp:    timestamp,
	}, nil
}

// rowToVariable converts a database row to an envvar.Variable, opening
// sealed secret values.
func rowToVariable(row *variableRow, sealKey []byte) (*envvar.Variable, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	var references []envvar.Reference
	if row.Refs != nil && *row.Refs != "" && *row.Refs != "null" {
		if err := json.Unmarshal([]byte(*row.Refs), &references); err != nil {
			return nil, NewStoreError("rowToVariable", "variable", row.Key, "failed to parse references", ErrInvalidData)
		}
	}

	value := row.Value
	resolvedValue := row.ResolvedValue
	if row.IsSecret {
		var err error
		if value, err = openValue(row.Value, sealKey); err != nil {
			return nil, NewStoreError("rowToVariable", "variable", row.Key, "failed to open value", ErrInvalidData)
		}
		if resolvedValue, err = openValue(row.ResolvedValue, sealKey); err != nil {
			return nil, NewStoreError("rowToVariable", "variable", row.Key, "failed to open resolved value", ErrInvalidData)
		}
	}

	return &envvar.Variable{
		ID:               row.ID,
		ServiceID:        row.ServiceID,
		Key:              row.Key,
		Value:            value,
		IsDynamic:        row.IsDynamic,
		IsSecret:         row.IsSecret,
		References:       references,
		ResolvedValue:    resolvedValue,
		ResolutionStatus: envvar.ResolutionStatus(row.ResolutionStatus),
		ResolutionError:  row.ResolutionError,
		LastResolved:     parseTimePtr(row.LastResolved),
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}, nil
}

// rowToProvision converts a database row to a domain.CapacityProvision.
func rowToProvision(row *provisionRow) *domain.CapacityProvision {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	return &domain.CapacityProvision{
		ID:                  row.ID,
		Name:                row.Name,
		Provider:            domain.ProviderType(row.Provider),
		Status:              domain.ProvisionStatus(row.Status),
		Region:              row.Region,
		Size:                row.Size,
		ProviderInstanceID:  row.ProviderInstanceID,
		PublicIP:            row.PublicIP,
		DockerHost:          row.DockerHost,
		SSHPublicKey:        row.SSHPublicKey,
		SSHPrivateKeySealed: row.SSHPrivateKey,
		ErrorMessage:        row.ErrorMessage,
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
		CompletedAt:         parseTimePtr(row.CompletedAt),
	}
}

// =============================================================================
// Helpers
// =============================================================================

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

// sealValue encrypts a secret for storage; empty values pass through.
func sealValue(value string, key []byte) (string, error) {
	if value == "" {
		return "", nil
	}
	return crypto.SealString(value, key)
}

// openValue reverses sealValue.
func openValue(value string, key []byte) (string, error) {
	if value == "" {
		return "", nil
	}
	return crypto.OpenString(value, key)
}
