package load

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/warehouse"
)

func newTestLoader(t *testing.T) (*Loader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(warehouse.New(db)), mock
}

func canonicalLogWithInsertID(logID, insertID string) logmodel.CanonicalLog {
	l := canonicalLog(logID)
	l.InsertID = insertID
	return l
}

func canonicalLog(id string) logmodel.CanonicalLog {
	return logmodel.CanonicalLog{
		LogID:          id,
		EventTimestamp: time.Now().UTC(),
		Severity:       logmodel.Severity("ERROR"),
		StreamID:       "ds.tbl",
		SourceDataset:  "ds",
		SourceTable:    "tbl",
	}
}

func TestLoadBatch_AllSucceedMarksJobSucceeded(t *testing.T) {
	l, mock := newTestLoader(t)

	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	logs := []logmodel.CanonicalLog{canonicalLog("a"), canonicalLog("b")}
	result, err := l.LoadBatch(context.Background(), logs, "ds.tbl", 1)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if result.Loaded != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Job.Status != logmodel.JobStatusSucceeded {
		t.Fatalf("expected succeeded job status, got %s", result.Job.Status)
	}
}

func TestLoadBatch_PartialFailureContinuesToNextBatch(t *testing.T) {
	l, mock := newTestLoader(t)

	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnError(errors.New("constraint violation"))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	logs := []logmodel.CanonicalLog{canonicalLog("a"), canonicalLog("b")}
	result, err := l.LoadBatch(context.Background(), logs, "ds.tbl", 1)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if result.Loaded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Job.Status != logmodel.JobStatusPartial {
		t.Fatalf("expected partial job status, got %s", result.Job.Status)
	}
	if result.Job.ErrorMessage == "" {
		t.Fatal("expected the first batch error to be recorded on the job")
	}
}

func TestLoadBatch_AllFailedMarksJobFailed(t *testing.T) {
	l, mock := newTestLoader(t)

	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnError(errors.New("boom"))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	logs := []logmodel.CanonicalLog{canonicalLog("a")}
	result, err := l.LoadBatch(context.Background(), logs, "ds.tbl", 1)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if result.Job.Status != logmodel.JobStatusFailed {
		t.Fatalf("expected failed job status, got %s", result.Job.Status)
	}
}

func TestLoadBatch_DefaultsBatchSizeWhenNonPositive(t *testing.T) {
	l, mock := newTestLoader(t)

	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	logs := []logmodel.CanonicalLog{canonicalLog("a")}
	if _, err := l.LoadBatch(context.Background(), logs, "ds.tbl", 0); err != nil {
		t.Fatalf("load batch: %v", err)
	}
}

func TestLoadBatch_ReingestSameInsertIDIsIdempotent(t *testing.T) {
	l, mock := newTestLoader(t)

	// Two independent extractions of the same raw row get distinct log_ids
	// (Normalize mints a fresh one each call) but carry the same insert_id,
	// so the warehouse's ON CONFLICT (insert_id) target is what has to catch
	// the re-ingest, not log_id.
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	first := []logmodel.CanonicalLog{canonicalLogWithInsertID("a", "dup-1")}
	result, err := l.LoadBatch(context.Background(), first, "ds.tbl", 1)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if result.Loaded != 1 || result.Failed != 0 {
		t.Fatalf("unexpected first-load result: %+v", result)
	}

	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	// The re-ingest hits ON CONFLICT (insert_id) ... DO NOTHING: the upsert
	// succeeds but affects zero rows, exactly like two concurrent pipelines
	// loading the same raw row under different log_ids.
	mock.ExpectExec("INSERT INTO central_logging_v1.master_logs").WillReturnResult(sqlmock.NewResult(1, 0))
	mock.ExpectExec("INSERT INTO central_logging_v1.etl_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	second := []logmodel.CanonicalLog{canonicalLogWithInsertID("b", "dup-1")}
	result, err = l.LoadBatch(context.Background(), second, "ds.tbl", 1)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if result.Loaded != 0 || result.Failed != 0 {
		t.Fatalf("expected a conflicted re-ingest to report 0 loaded and 0 failed, got %+v", result)
	}
	if result.Job.Status != logmodel.JobStatusSucceeded {
		t.Fatalf("expected succeeded job status for a no-op conflict, got %s", result.Job.Status)
	}
}

func TestCleanupSourceTable_DryRunOnlyCounts(t *testing.T) {
	l, mock := newTestLoader(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "ds"\."tbl"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := l.CleanupSourceTable(context.Background(), "ds", "tbl", time.Now(), true)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected dry-run count 3, got %d", n)
	}
}
