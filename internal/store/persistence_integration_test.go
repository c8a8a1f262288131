package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// TestJobRunnerRestartRecovery simulates a crash while a job is running and
// verifies the job executes exactly once after restart.
func TestJobRunnerRestartRecovery(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	jobID, err := s1.EnqueueJob("restart_test", time.Now(), `{"test":"restart"}`, "restart-dedup", "p1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claim it as if a worker picked it up, then "crash".
	if jobs, err := s1.ClaimDueJobs(time.Now(), 10); err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs = %v, %v", jobs, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 20*time.Millisecond, WithStaleThreshold(time.Nanosecond))
	runner.RegisterHandler("restart_test", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	time.Sleep(2 * time.Millisecond)
	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	runner.Run(ctx)

	if n := atomic.LoadInt32(&executed); n != 1 {
		t.Errorf("expected 1 execution after restart, got %d", n)
	}
	job, err := s2.GetJob(jobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob after restart = %v, %v", job, err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("expected job status 'done', got %q", job.Status)
	}
}

// TestHistorySurvivesReopen verifies state and history are durable in SQLite.
func TestHistorySurvivesReopen(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "reopen_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	d, _ := s1.CreateDebtorIfAbsent(ctx, "acme", "5491100000000")
	_, _ = s1.AppendMessage(ctx, d.ID, models.RoleUser, "hola")
	_, _ = s1.AppendMessage(ctx, d.ID, models.RoleAssistant, "buen día")
	_ = s1.SetState(ctx, d.ID, models.StateYellow)
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, _ := s2.GetDebtor(ctx, "acme", "5491100000000")
	if got == nil || got.State != models.StateYellow {
		t.Fatalf("unexpected debtor after reopen: %+v", got)
	}
	history, _ := s2.ReadHistory(ctx, d.ID)
	if len(history) != 2 || history[1].Content != "buen día" {
		t.Errorf("unexpected history after reopen: %+v", history)
	}
	seq, _ := s2.AppendMessage(ctx, d.ID, models.RoleUser, "ok")
	if seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}
}

func TestDedupRepo(t *testing.T) {
	forEachJobRepo(t, func(t *testing.T, s Store) {
		first, err := s.RecordInbound("SM123", "acme:1234567")
		if err != nil || !first {
			t.Fatalf("RecordInbound first = %v, %v", first, err)
		}
		again, _ := s.RecordInbound("SM123", "acme:1234567")
		if again {
			t.Error("second RecordInbound should report duplicate")
		}
		if done, _ := s.IsProcessed("SM123"); done {
			t.Error("message should not be processed yet")
		}
		if err := s.MarkProcessed("SM123"); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if done, _ := s.IsProcessed("SM123"); !done {
			t.Error("message should be processed")
		}
		if err := s.MarkProcessed("SM-never-recorded"); err != nil {
			t.Fatalf("MarkProcessed without record failed: %v", err)
		}
		if done, _ := s.IsProcessed("SM-never-recorded"); !done {
			t.Error("MarkProcessed should create the record")
		}
	})
}
