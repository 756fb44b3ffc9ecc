package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/switchboard-systems/switchboard/internal/models"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs migrations
func setupTestDatabase(t *testing.T) (*PostgresRepository, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("switchboard_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create repository: %v", err)
	}

	cleanup := func() {
		repo.pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return repo, cleanup
}

// runMigrations runs SQL migrations from the migrations directory
func runMigrations(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrationPath := filepath.Join("..", "..", "migrations", "001_init.up.sql")
	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	return nil
}

func newTestEvent(dedupeKey string) *models.InboundEvent {
	now := time.Now().UTC()
	return &models.InboundEvent{
		ID:              uuid.NewString(),
		DedupeKey:       dedupeKey,
		SourceChannel:   "email",
		Provider:        "gmail",
		ExternalEventID: dedupeKey,
		ObservedAt:      now,
		SenderIdentity:  "alerts@chase.com",
		NormalizedText:  "Your statement is ready",
		Attachments: []models.Attachment{
			{Filename: "statement.pdf", MimeType: "application/pdf", SizeB: 4096},
		},
		RawPayload:     map[string]interface{}{"subject": "Statement"},
		LifecycleState: models.EventAccepted,
		ReceivedAt:     now,
	}
}

func TestPostgresInsertEventDedupe(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	event := newTestEvent("email/msg-1")
	inserted, err := repo.InsertEvent(ctx, event)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !inserted {
		t.Fatal("Expected first insert to win")
	}

	dup := newTestEvent("email/msg-1")
	inserted, err = repo.InsertEvent(ctx, dup)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inserted {
		t.Fatal("Expected duplicate insert to lose")
	}

	stored, err := repo.GetEventByDedupeKey(ctx, "email/msg-1")
	if err != nil {
		t.Fatalf("Failed to retrieve event: %v", err)
	}
	if stored.ID != event.ID {
		t.Errorf("Expected original event %s, got %s", event.ID, stored.ID)
	}
	if len(stored.Attachments) != 1 || stored.Attachments[0].Filename != "statement.pdf" {
		t.Errorf("Attachments did not round-trip: %+v", stored.Attachments)
	}
}

func TestPostgresTransitionEvent(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	event := newTestEvent("email/msg-2")
	if _, err := repo.InsertEvent(ctx, event); err != nil {
		t.Fatalf("Failed to insert event: %v", err)
	}

	if err := repo.TransitionEvent(ctx, event.ID, models.EventAccepted, models.EventCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for skipped state, got %v", err)
	}

	if err := repo.TransitionEvent(ctx, event.ID, models.EventAccepted, models.EventProcessing); err != nil {
		t.Fatalf("Failed to transition: %v", err)
	}

	// Second caller asserting the stale state loses the race.
	if err := repo.TransitionEvent(ctx, event.ID, models.EventAccepted, models.EventProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for lost race, got %v", err)
	}

	if err := repo.TransitionEvent(ctx, uuid.NewString(), models.EventAccepted, models.EventProcessing); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}
}

func TestPostgresEventPartitionLifecycle(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.AddDate(0, -4, 0)

	if err := repo.EnsureEventPartition(ctx, now); err != nil {
		t.Fatalf("Failed to ensure current partition: %v", err)
	}
	// Idempotent under concurrent schedulers.
	if err := repo.EnsureEventPartition(ctx, now); err != nil {
		t.Fatalf("Ensure is not idempotent: %v", err)
	}
	if err := repo.EnsureEventPartition(ctx, old); err != nil {
		t.Fatalf("Failed to ensure old partition: %v", err)
	}

	dropped, err := repo.DropExpiredEventPartitions(ctx, 90*24*time.Hour, now)
	if err != nil {
		t.Fatalf("Failed to drop expired partitions: %v", err)
	}
	if dropped != 1 {
		t.Errorf("Expected 1 dropped partition, got %d", dropped)
	}

	// The current partition still accepts rows.
	if _, err := repo.InsertEvent(ctx, newTestEvent("email/msg-3")); err != nil {
		t.Fatalf("Insert after partition maintenance failed: %v", err)
	}
}

func TestPostgresApplyTransition(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	worker := &models.RegistryEntry{
		ID:                   uuid.NewString(),
		Name:                 "billing",
		Endpoint:             "nats://workers.billing",
		Capabilities:         []string{"invoices"},
		RouteContractMin:     1,
		RouteContractMax:     2,
		EligibilityState:     models.WorkerActive,
		LivenessTTLSeconds:   600,
		LastSeenAt:           now,
		EligibilityUpdatedAt: now,
		RegisteredAt:         now,
	}
	if err := repo.CreateWorker(ctx, worker); err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}
	if err := repo.CreateWorker(ctx, worker); !errors.Is(err, ErrWorkerExists) {
		t.Errorf("Expected ErrWorkerExists, got %v", err)
	}

	applied, err := repo.ApplyTransition(ctx, &models.EligibilityTransition{
		WorkerName:     "billing",
		PreviousState:  models.WorkerActive,
		NewState:       models.WorkerStale,
		Reason:         "liveness_ttl_exceeded",
		PreviousSeenAt: now,
		NewSeenAt:      now,
		ObservedAt:     now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Failed to apply transition: %v", err)
	}
	if !applied {
		t.Fatal("Expected transition to apply")
	}

	// Loser of the conditional update writes no audit row.
	applied, err = repo.ApplyTransition(ctx, &models.EligibilityTransition{
		WorkerName:    "billing",
		PreviousState: models.WorkerActive,
		NewState:      models.WorkerStale,
		ObservedAt:    now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if applied {
		t.Fatal("Expected concurrent transition to lose")
	}

	transitions, err := repo.ListTransitions(ctx, "billing", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Failed to list transitions: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("Expected 1 audit row, got %d", len(transitions))
	}
	if transitions[0].NewState != models.WorkerStale {
		t.Errorf("Expected stale transition, got %s", transitions[0].NewState)
	}
}

func TestPostgresInboxClaimAndRecoveryScan(t *testing.T) {
	repo, cleanup := setupTestDatabase(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	entry := &models.RouteInboxEntry{
		ID: uuid.NewString(),
		Envelope: models.RoutingEnvelope{
			SourceWorker: "triage",
			Target:       "billing",
			Tool:         "handle_event",
			ThreadID:     "th-1",
		},
		LifecycleState: models.QueueAccepted,
		ReceivedAt:     now.Add(-time.Hour),
	}
	if err := repo.InsertInboxEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to insert inbox entry: %v", err)
	}

	claimed, err := repo.ClaimInboxEntry(ctx, entry.ID, models.QueueAccepted)
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if !claimed {
		t.Fatal("Expected claim to win")
	}

	claimed, err = repo.ClaimInboxEntry(ctx, entry.ID, models.QueueAccepted)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claimed {
		t.Fatal("Expected second claim to lose")
	}

	// Entry abandoned mid-flight shows up in the recovery scan.
	found, err := repo.ScanUnprocessed(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(found) != 1 || found[0].ID != entry.ID {
		t.Fatalf("Expected abandoned entry in scan, got %+v", found)
	}

	if err := repo.CompleteInboxEntry(ctx, entry.ID, "sess-1", now); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	found, err = repo.ScanUnprocessed(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("Expected terminal entry excluded from scan, got %+v", found)
	}
}
