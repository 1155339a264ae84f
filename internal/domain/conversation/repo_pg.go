package conversation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type recordDirectoryPG struct{ db queryable }

// NewRecordDirectoryPG looks records up in the patient table, by ID or MRN.
func NewRecordDirectoryPG(pool *pgxpool.Pool) RecordDirectory {
	return &recordDirectoryPG{db: pool}
}

func (r *recordDirectoryPG) Exists(ctx context.Context, recordID string) (bool, error) {
	if recordID == "" {
		return false, nil
	}
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patient WHERE id::text = $1 OR mrn = $1
		)`, recordID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("lookup record %s: %w", recordID, err)
	}
	return ok, nil
}
