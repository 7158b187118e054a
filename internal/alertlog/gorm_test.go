package alertlog_test

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/carewatch/internal/alertlog"
	"procodus.dev/carewatch/internal/geofence"
)

var _ = Describe("GormLog", func() {
	var (
		ctx   context.Context
		sqlDB *sql.DB
		mock  sqlmock.Sqlmock
		log   *alertlog.GormLog
		t0    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		var err error
		sqlDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(sqlDB.Close)

		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())

		log, err = alertlog.NewGormLog(&alertlog.GormConfig{DB: db, PageSize: 2})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("NewGormLog", func() {
		It("should return error when config is nil", func() {
			l, err := alertlog.NewGormLog(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(l).To(BeNil())
		})

		It("should return error when database is nil", func() {
			l, err := alertlog.NewGormLog(&alertlog.GormConfig{})
			Expect(err).To(MatchError(ContainSubstring("database")))
			Expect(l).To(BeNil())
		})
	})

	Describe("Append", func() {
		It("should return the id generated by the insert", func() {
			mock.ExpectQuery(`INSERT INTO "alert_events" .* ON CONFLICT DO NOTHING RETURNING "id"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

			id, err := log.Append(ctx, alertlog.Event{
				DeviceID:   "watch-1",
				Kind:       alertlog.LeftSafeZone,
				OccurredAt: t0,
				Location:   &geofence.Point{Latitude: 1, Longitude: 2},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(uint64(7)))
		})

		It("should return the stored id when the natural key already exists", func() {
			mock.ExpectQuery(`INSERT INTO "alert_events"`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE device_id = \$1 AND kind = \$2 AND occurred_bucket = \$3`).
				WithArgs("watch-1", "fall_detected", t0.UnixNano(), sqlmock.AnyArg()).
				WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "kind", "occurred_at", "occurred_bucket"}).
					AddRow(3, "watch-1", "fall_detected", t0, t0.UnixNano()))

			id, err := log.Append(ctx, alertlog.Event{DeviceID: "watch-1", Kind: alertlog.FallDetected, OccurredAt: t0})
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(uint64(3)))
		})

		It("should wrap database failures", func() {
			mock.ExpectQuery(`INSERT INTO "alert_events"`).WillReturnError(errors.New("connection refused"))

			_, err := log.Append(ctx, alertlog.Event{DeviceID: "watch-1", Kind: alertlog.FallDetected, OccurredAt: t0})
			Expect(err).To(MatchError(ContainSubstring("failed to insert alert event")))
		})

		It("should validate before touching the database", func() {
			_, err := log.Append(ctx, alertlog.Event{Kind: alertlog.FallDetected, OccurredAt: t0})
			Expect(errors.Is(err, alertlog.ErrInvalidEvent)).To(BeTrue())
		})
	})

	Describe("List", func() {
		rowsOf := func(ids ...int) *sqlmock.Rows {
			rows := sqlmock.NewRows([]string{"id", "device_id", "kind", "occurred_at", "occurred_bucket", "latitude", "longitude"})
			for _, id := range ids {
				rows.AddRow(id, "watch-1", "left_safe_zone", t0, t0.UnixNano(), 1.5, 2.5)
			}
			return rows
		}

		It("should page through events up to the head read at the start", func() {
			mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM "alert_events"`).
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE id > \$1 AND id <= \$2 ORDER BY id ASC LIMIT \$3`).
				WithArgs(0, 3, 2).
				WillReturnRows(rowsOf(1, 2))
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE id > \$1 AND id <= \$2 ORDER BY id ASC LIMIT \$3`).
				WithArgs(2, 3, 2).
				WillReturnRows(rowsOf(3))

			events, err := alertlog.Collect(log.List(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
			Expect(events[0].ID).To(Equal(uint64(1)))
			Expect(events[2].ID).To(Equal(uint64(3)))
			Expect(events[2].Kind).To(Equal(alertlog.LeftSafeZone))
			Expect(*events[2].Location).To(Equal(geofence.Point{Latitude: 1.5, Longitude: 2.5}))
		})

		It("should yield nothing for an empty log", func() {
			mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM "alert_events"`).
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))

			events, err := alertlog.Collect(log.List(ctx))
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(BeEmpty())
		})

		It("should yield the query error", func() {
			mock.ExpectQuery(`SELECT COALESCE`).WillReturnError(errors.New("boom"))

			_, err := alertlog.Collect(log.List(ctx))
			Expect(err).To(MatchError(ContainSubstring("failed to read alert log head")))
		})
	})

	Describe("Page", func() {
		It("should push the cursor and filters into the query", func() {
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE id > \$1 AND device_id = \$2 AND kind = \$3 ORDER BY id ASC LIMIT \$4`).
				WithArgs(40, "watch-1", "fall_detected", 3).
				WillReturnRows(sqlmock.NewRows([]string{"id", "device_id", "kind", "occurred_at", "occurred_bucket"}).
					AddRow(41, "watch-1", "fall_detected", t0, t0.UnixNano()).
					AddRow(57, "watch-1", "fall_detected", t0.Add(time.Minute), t0.Add(time.Minute).UnixNano()))

			page, err := log.Page(ctx, alertlog.Query{DeviceID: "watch-1", Kind: alertlog.FallDetected, AfterID: 40, Limit: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(HaveLen(2))
			Expect(page[0].ID).To(Equal(uint64(41)))
			Expect(page[1].ID).To(Equal(uint64(57)))
			Expect(page[1].Location).To(BeNil())
		})

		It("should omit filters that are not set", func() {
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE id > \$1 ORDER BY id ASC LIMIT \$2`).
				WithArgs(0, 5).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))

			page, err := log.Page(ctx, alertlog.Query{Limit: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(BeEmpty())
		})

		It("should wrap query failures", func() {
			mock.ExpectQuery(`SELECT \* FROM "alert_events" WHERE id > \$1`).WillReturnError(errors.New("boom"))

			_, err := log.Page(ctx, alertlog.Query{Limit: 5})
			Expect(err).To(MatchError(ContainSubstring("failed to query alert events")))
		})
	})
})
