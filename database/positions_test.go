package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"belated/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestRecordPosition(t *testing.T) {
	it(func() {
		now := time.Date(2024, 5, 1, 8, 40, 30, 0, time.UTC)
		testCases := []struct {
			name      string
			lastRow   []driver.Value
			overwrite bool
		}{
			{"first report", nil, false},
			{"older minute", []driver.Value{int64(7), now.Add(-time.Minute)}, false},
			{"same minute", []driver.Value{int64(7), now.Add(-20 * time.Second)}, true},
			{"stored is newer", []driver.Value{int64(7), now.Add(2 * time.Minute)}, true},
		}
		for _, testCase := range testCases {
			setUp()
			positions := NewPositionStore(db, 30*time.Minute)

			rows := sqlmock.NewRows([]string{"id", "ts"})
			if testCase.lastRow != nil {
				rows.AddRow(testCase.lastRow...)
			}
			mock.ExpectQuery("SELECT id, ts FROM positions WHERE email = (.+) ORDER BY ts DESC LIMIT 1").
				WithArgs("alice@example.com").
				WillReturnRows(rows)
			if testCase.overwrite {
				mock.ExpectExec("UPDATE positions SET latitude = (.+), longitude = (.+), ts = (.+) WHERE id = (.+)").
					WithArgs(-27.47, 153.02, now, int64(7)).
					WillReturnResult(sqlmock.NewResult(0, 1))
			} else {
				mock.ExpectExec("INSERT INTO positions").
					WithArgs("alice@example.com", -27.47, 153.02, now).
					WillReturnResult(sqlmock.NewResult(8, 1))
			}
			mock.ExpectExec("DELETE FROM positions WHERE email = (.+) AND ts < (.+)").
				WithArgs("alice@example.com", now.Add(-30*time.Minute)).
				WillReturnResult(sqlmock.NewResult(0, 2))

			pos := &models.Position{Email: "Alice@example.com", Latitude: -27.47, Longitude: 153.02, Timestamp: now}
			if err := positions.RecordPosition(ctx, pos); err != nil {
				t.Errorf("%s: unexpected error %v", testCase.name, err)
			}
			checkExpectations(t)
		}
	})
}

func TestRecordPositionRejects(t *testing.T) {
	it(func() {
		positions := NewPositionStore(db, 30*time.Minute)
		now := time.Now()
		testCases := []struct {
			name   string
			pos    models.Position
			expect error
		}{
			{"no email", models.Position{Latitude: 1, Longitude: 1, Timestamp: now}, models.ErrInvalidEmail},
			{"bad latitude", models.Position{Email: "a@b.io", Latitude: 91, Timestamp: now}, models.ErrInvalidCoordinate},
			{"bad longitude", models.Position{Email: "a@b.io", Longitude: -181, Timestamp: now}, models.ErrInvalidCoordinate},
		}
		for _, testCase := range testCases {
			pos := testCase.pos
			if err := positions.RecordPosition(ctx, &pos); !errors.Is(err, testCase.expect) {
				t.Errorf("%s: expected %v, got %v", testCase.name, testCase.expect, err)
			}
		}
		if err := positions.RecordPosition(ctx, &models.Position{Email: "a@b.io"}); err == nil {
			t.Errorf("expected an error for a report without timestamp")
		}
		checkExpectations(t)
	})
}

func TestRecordPositionLookupFailure(t *testing.T) {
	it(func() {
		positions := NewPositionStore(db, 30*time.Minute)
		mock.ExpectQuery("SELECT id, ts FROM positions").
			WillReturnError(sql.ErrConnDone)

		pos := &models.Position{Email: "a@b.io", Timestamp: time.Now()}
		if err := positions.RecordPosition(ctx, pos); !errors.Is(err, sql.ErrConnDone) {
			t.Errorf("expected ErrConnDone, got %v", err)
		}
		checkExpectations(t)
	})
}

func TestLastPosition(t *testing.T) {
	it(func() {
		positions := NewPositionStore(db, 30*time.Minute)
		ts := time.Date(2024, 5, 1, 8, 41, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT email, latitude, longitude, ts FROM positions WHERE email = (.+) ORDER BY ts DESC LIMIT 1").
			WithArgs("alice@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"email", "latitude", "longitude", "ts"}).
				AddRow("alice@example.com", -27.47, 153.02, ts))
		mock.ExpectQuery("SELECT email, latitude, longitude, ts FROM positions").
			WithArgs("bob@example.com").
			WillReturnRows(sqlmock.NewRows([]string{"email", "latitude", "longitude", "ts"}))

		pos, err := positions.LastPosition(ctx, "ALICE@example.com")
		if err != nil || pos == nil {
			t.Fatalf("LastPosition: expected a position, got %v, %v", pos, err)
		}
		if pos.Latitude != -27.47 || !pos.Timestamp.Equal(ts) {
			t.Errorf("LastPosition: unexpected position %+v", pos)
		}
		pos, err = positions.LastPosition(ctx, "bob@example.com")
		if err != nil || pos != nil {
			t.Errorf("LastPosition: expected nothing for bob, got %v, %v", pos, err)
		}
		checkExpectations(t)
	})
}

func TestPrune(t *testing.T) {
	it(func() {
		positions := NewPositionStore(db, 30*time.Minute)
		before := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
		mock.ExpectExec("DELETE FROM positions WHERE ts < (.+)").
			WithArgs(before).
			WillReturnResult(sqlmock.NewResult(0, 5))

		n, err := positions.Prune(ctx, before)
		if err != nil || n != 5 {
			t.Errorf("Prune: expected 5 rows, got %d, %v", n, err)
		}
		checkExpectations(t)
	})
}
