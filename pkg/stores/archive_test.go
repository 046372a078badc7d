package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

type fakePutter struct {
	err  error
	puts []string
}

func (p *fakePutter) Put(_ context.Context, report *engine.RecoveryReport) error {
	p.puts = append(p.puts, report.RunID)
	return p.err
}

func testReport(runID string) *engine.RecoveryReport {
	now := time.Now()
	return &engine.RecoveryReport{
		PlanID:        "db",
		PlanName:      "Database",
		RunID:         runID,
		OverallStatus: engine.StatusSucceeded,
		StartedAt:     now,
		CompletedAt:   now,
		CreatedAt:     now,
	}
}

func setupArchivingStore(t *testing.T, putter *fakePutter) (*SQLiteStore, *ArchivingStore) {
	t.Helper()
	store := setupTestStore(t)
	if err := store.SavePlan(context.Background(), testPlan("db")); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}
	return store, &ArchivingStore{Store: store, archive: putter, logger: zerolog.Nop()}
}

func TestArchiveConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ArchiveConfig
		wantErr bool
	}{
		{"complete", ArchiveConfig{Endpoint: "localhost:9000", Bucket: "reports"}, false},
		{"missing endpoint", ArchiveConfig{Bucket: "reports"}, true},
		{"missing bucket", ArchiveConfig{Endpoint: "localhost:9000"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewReportArchive(t *testing.T) {
	if _, err := NewReportArchive(ArchiveConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Error("Expected error for missing bucket")
	}

	archive, err := NewReportArchive(ArchiveConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "reports",
		Prefix:    "failsafe",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := archive.ObjectKey("db", "run-1"); got != "failsafe/db/run-1.json" {
		t.Errorf("Expected failsafe/db/run-1.json, got %s", got)
	}
}

func TestArchivingStore_SaveReport(t *testing.T) {
	putter := &fakePutter{}
	store, archiving := setupArchivingStore(t, putter)
	ctx := context.Background()

	if err := archiving.SaveReport(ctx, testReport("run-1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(putter.puts) != 1 || putter.puts[0] != "run-1" {
		t.Errorf("Expected run-1 to be archived, got %v", putter.puts)
	}
	if _, err := store.LoadReport(ctx, "run-1"); err != nil {
		t.Errorf("Expected report in primary store, got: %v", err)
	}
}

func TestArchivingStore_ArchiveFailureIsNotFatal(t *testing.T) {
	putter := &fakePutter{err: errors.New("bucket unreachable")}
	store, archiving := setupArchivingStore(t, putter)
	ctx := context.Background()

	if err := archiving.SaveReport(ctx, testReport("run-2")); err != nil {
		t.Fatalf("Expected archive failure to be ignored, got: %v", err)
	}
	if _, err := store.LoadReport(ctx, "run-2"); err != nil {
		t.Errorf("Expected report in primary store, got: %v", err)
	}
}

func TestArchivingStore_PrimaryFailureSkipsArchive(t *testing.T) {
	putter := &fakePutter{}
	store, archiving := setupArchivingStore(t, putter)

	_ = store.Close()
	if err := archiving.SaveReport(context.Background(), testReport("run-3")); err == nil {
		t.Fatal("Expected error from closed primary store")
	}
	if len(putter.puts) != 0 {
		t.Errorf("Expected nothing archived, got %v", putter.puts)
	}
}
