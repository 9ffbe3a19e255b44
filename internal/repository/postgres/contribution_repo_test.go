package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/model"
)

func TestContributionRepo_Create_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	c := &model.Contribution{
		ID:        "c1",
		Amount:    1,
		Kind:      model.KindOneTimeTip,
		Step:      model.StepStart,
		Processor: model.ProcessorTokens,
		Publishers: []model.ContributionPublisher{
			{PublisherKey: "alice", TotalAmount: 1},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contributions \(id, amount, kind, step, retry_count, processor, created_at\)`).
		WithArgs("c1", 1.0, "one-time-tip", "start", int32(0), "blinded-tokens").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO contribution_publishers \(contribution_id, publisher_key, total_amount, contributed_amount\)`).
		WithArgs("c1", "alice", 1.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), c))
}

func TestContributionRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	c := &model.Contribution{ID: "c1", Amount: 1, Kind: model.KindOneTimeTip, Step: model.StepStart, Processor: model.ProcessorTokens}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contributions \(id, amount, kind, step, retry_count, processor, created_at\)`).
		WithArgs("c1", 1.0, "one-time-tip", "start", int32(0), "blinded-tokens").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Create(context.Background(), c), errs.ErrAlreadyExists)
}

func TestContributionRepo_Get_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	ts := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, amount, kind, step, retry_count, processor, created_at`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "amount", "kind", "step", "retry_count", "processor", "created_at"}).
			AddRow("c1", 2.0, model.KindAutoContribute, model.StepCreds, int32(1), model.ProcessorTokens, ts))
	mock.ExpectQuery(`SELECT contribution_id, publisher_key, total_amount, contributed_amount`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"contribution_id", "publisher_key", "total_amount", "contributed_amount"}).
			AddRow("c1", "alice", 1.5, 1.5).
			AddRow("c1", "bob", 0.5, 0.0))

	c, err := r.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, model.StepCreds, c.Step)
	require.Equal(t, int32(1), c.RetryCount)
	require.Len(t, c.Publishers, 2)
	require.Equal(t, "alice", c.Publishers[0].PublisherKey)
	require.Equal(t, 1.5, c.Publishers[0].ContributedAmount)
}

func TestContributionRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectQuery(`SELECT id, amount, kind, step, retry_count, processor, created_at`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestContributionRepo_SetStep_ResetsRetryCount(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectExec(`UPDATE contributions SET step=\$2, retry_count=0 WHERE id=\$1`).
		WithArgs("c1", "prepare").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.SetStep(context.Background(), "c1", model.StepPrepare))
}

func TestContributionRepo_SetStep_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectExec(`UPDATE contributions SET step=\$2, retry_count=0 WHERE id=\$1`).
		WithArgs("missing", "prepare").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, r.SetStep(context.Background(), "missing", model.StepPrepare), errs.ErrNotFound)
}

func TestContributionRepo_IncrementRetry(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectQuery(`UPDATE contributions SET retry_count=retry_count\+1 WHERE id=\$1 RETURNING retry_count`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"retry_count"}).AddRow(int32(3)))

	n, err := r.IncrementRetry(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, int32(3), n)
}

func TestContributionRepo_IncrementRetry_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectQuery(`UPDATE contributions SET retry_count=retry_count\+1 WHERE id=\$1 RETURNING retry_count`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.IncrementRetry(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestContributionRepo_SavePublishers_ReplacesPartition(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	pubs := []model.ContributionPublisher{
		{PublisherKey: "alice", TotalAmount: 1.25},
		{PublisherKey: "bob", TotalAmount: 0.75},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM contribution_publishers WHERE contribution_id=\$1`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO contribution_publishers \(contribution_id, publisher_key, total_amount, contributed_amount\)`).
		WithArgs("c1", "alice", 1.25, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO contribution_publishers \(contribution_id, publisher_key, total_amount, contributed_amount\)`).
		WithArgs("c1", "bob", 0.75, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.SavePublishers(context.Background(), "c1", pubs))
}

func TestContributionRepo_SavePublishers_InsertErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM contribution_publishers WHERE contribution_id=\$1`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO contribution_publishers \(contribution_id, publisher_key, total_amount, contributed_amount\)`).
		WithArgs("c1", "alice", 1.0, 0.0).
		WillReturnError(errors.New("insert-fail"))
	mock.ExpectRollback()

	err := r.SavePublishers(context.Background(), "c1", []model.ContributionPublisher{
		{PublisherKey: "alice", TotalAmount: 1},
	})
	require.Error(t, err)
}

func TestContributionRepo_SetPublisherContributed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectExec(`UPDATE contribution_publishers SET contributed_amount=\$3`).
		WithArgs("c1", "alice", 1.25).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetPublisherContributed(context.Background(), "c1", "alice", 1.25))

	mock.ExpectExec(`UPDATE contribution_publishers SET contributed_amount=\$3`).
		WithArgs("c1", "ghost", 1.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.SetPublisherContributed(context.Background(), "c1", "ghost", 1), errs.ErrNotFound)
}

func TestContributionRepo_ListResumable(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewContributionRepo(db)

	mock.ExpectQuery(`SELECT id FROM contributions`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("c1").AddRow("c2"))

	ids, err := r.ListResumable(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, ids)
}
