package common

import (
	"database/sql"

	"github.com/apex/log"
)

// LogResult logs a failed statement, or one that was expected to touch exactly
// one row and did not. It returns the number of affected rows, -1 on failure.
func LogResult(msgPrefix string, r sql.Result, e error, expectOne bool) int64 {
	if e != nil {
		log.Errorf("%s: query failed: %v", msgPrefix, e)
		return -1
	}
	rows, err := r.RowsAffected()
	if err != nil {
		log.Errorf("%s: failed to get status of db op: %v", msgPrefix, err)
		return -1
	}
	if expectOne && rows != 1 {
		log.Warnf("%s: expected to affect 1 row, affected %d", msgPrefix, rows)
	}
	return rows
}
