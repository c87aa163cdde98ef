package queuestore

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aarondewes/ghscanner/internal/scanmodel"
)

func newMockStore() (*Store, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	Expect(err).NotTo(HaveOccurred())
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB), mock, db
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		store *Store
		mock  sqlmock.Sqlmock
		db    *sql.DB
	)

	BeforeEach(func() {
		ctx = context.Background()
		store, mock, db = newMockStore()
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	Describe("UpsertRepository", func() {
		It("inserts and returns the conflict-safe id", func() {
			mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO repositories")).
				WithArgs("acme", "widget", "https://github.com/acme/widget", true).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

			id, err := store.UpsertRepository(ctx, "https://github.com/acme/widget", "acme", "widget", true)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(7)))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Enqueue", func() {
		Context("when no active entry exists", func() {
			It("inserts a queued entry inside a transaction", func() {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scan_queue")).
					WithArgs(int64(1)).
					WillReturnError(sql.ErrNoRows)
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scan_queue")).
					WithArgs(int64(1), 10).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
				mock.ExpectCommit()

				queueID, err := store.Enqueue(ctx, 1, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(queueID).To(Equal(int64(42)))
				Expect(mock.ExpectationsWereMet()).To(Succeed())
			})
		})

		Context("when an active entry already exists", func() {
			It("rolls back and returns ErrAlreadyQueued", func() {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM scan_queue")).
					WithArgs(int64(1)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
				mock.ExpectRollback()

				_, err := store.Enqueue(ctx, 1, 10)
				Expect(err).To(MatchError(ErrAlreadyQueued))
				Expect(mock.ExpectationsWereMet()).To(Succeed())
			})
		})
	})

	Describe("MarkTerminal", func() {
		It("updates status, completed_at and error_message", func() {
			mock.ExpectExec(regexp.QuoteMeta("UPDATE scan_queue")).
				WithArgs(int64(42), "completed", nil).
				WillReturnResult(sqlmock.NewResult(0, 1))

			err := store.MarkTerminal(ctx, 42, "completed", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("IsFileSafe", func() {
		It("reports true when a matching safe file row exists", func() {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
				WithArgs(".github/workflows/ci.yml", "deadbeef").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

			safe, err := store.IsFileSafe(ctx, ".github/workflows/ci.yml", "deadbeef")
			Expect(err).NotTo(HaveOccurred())
			Expect(safe).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("AppendRateLimitSample", func() {
		It("inserts the sample with the limit_value column", func() {
			resetAt := time.Now().Add(time.Hour)
			mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rate_limit_samples")).
				WithArgs("core", 5000, 4500, resetAt).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := store.AppendRateLimitSample(ctx, scanmodel.RateLimitSample{
				APIType:   "core",
				Limit:     5000,
				Remaining: 4500,
				ResetAt:   resetAt,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
