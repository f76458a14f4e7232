package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row locks are postgres-only; the sqlite dialect used in tests and
// local runs executes the same queries without them.
func supportsRowLocks(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "postgres"
}

func forUpdate() clause.Expression {
	return clause.Locking{Strength: "UPDATE"}
}

func lockSuffix(db *gorm.DB) string {
	if supportsRowLocks(db) {
		return "\n\t\t FOR UPDATE SKIP LOCKED"
	}
	return ""
}
