package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaxwatch-notifier/internal/models"
)

func setupSubscribersRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SubscribersRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewSubscribersRepository(db, logger)

	return db, mock, repo
}

func TestSubscribersRepository_Upsert_Success(t *testing.T) {
	db, mock, repo := setupSubscribersRepo(t)
	defer db.Close()

	sub := &models.Subscriber{
		SubscriberID: "9999",
		Pincodes:     []string{"110092"},
		DistrictIDs:  []string{},
		AgePref:      models.Age18To44,
		DosePref:     models.Dose1,
		VaccinePref:  models.VaccineAny,
	}

	mock.ExpectExec(`INSERT INTO subscribers`).
		WithArgs("9999", []byte(`["110092"]`), []byte(`[]`), "18-44", "1", "any").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), sub)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribersRepository_Upsert_RequiresID(t *testing.T) {
	db, _, repo := setupSubscribersRepo(t)
	defer db.Close()

	err := repo.Upsert(context.Background(), &models.Subscriber{})
	assert.Error(t, err)

	err = repo.Upsert(context.Background(), nil)
	assert.Error(t, err)
}

func TestSubscribersRepository_Get_Success(t *testing.T) {
	db, mock, repo := setupSubscribersRepo(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"subscriber_id", "pincodes", "district_ids",
		"age_pref", "dose_pref", "vaccine_pref",
		"last_notified_at", "created_at", "updated_at",
	}).AddRow(
		"9999", []byte(`["110092"]`), []byte(`[]`),
		"18-44", "1", "any",
		nil, now, now,
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs("9999").
		WillReturnRows(rows)

	sub, err := repo.Get(context.Background(), "9999")

	require.NoError(t, err)
	assert.Equal(t, "9999", sub.SubscriberID)
	assert.Equal(t, []string{"110092"}, sub.Pincodes)
	assert.Equal(t, models.Age18To44, sub.AgePref)
	assert.Nil(t, sub.LastNotifiedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribersRepository_Get_NotFound(t *testing.T) {
	db, mock, repo := setupSubscribersRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber not found")
}

func TestSubscribersRepository_TouchLastNotified_Success(t *testing.T) {
	db, mock, repo := setupSubscribersRepo(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`UPDATE subscribers`).
		WithArgs(at, "9999").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TouchLastNotified(context.Background(), "9999", at)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribersRepository_TouchLastNotified_NotFound(t *testing.T) {
	db, mock, repo := setupSubscribersRepo(t)
	defer db.Close()

	at := time.Now()
	mock.ExpectExec(`UPDATE subscribers`).
		WithArgs(at, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.TouchLastNotified(context.Background(), "missing", at)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber not found")
}
