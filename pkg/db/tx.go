package db

import (
	"context"

	"gorm.io/gorm"
)

// InTx runs fn in a transaction. When conn already carries one, fn joins it
// instead of opening a savepoint.
func InTx(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	if conn.Statement != nil {
		if _, ok := conn.Statement.ConnPool.(gorm.TxCommitter); ok {
			return fn(conn)
		}
	}
	return conn.WithContext(ctx).Transaction(fn)
}
