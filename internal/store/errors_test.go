package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestErrorClassifiers(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		unique    bool
		fk        bool
		transient bool
	}{
		{name: "nil", err: nil},
		{name: "unique", err: &pq.Error{Code: "23505"}, unique: true},
		{name: "wrapped unique", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), unique: true},
		{name: "memstore duplicate", err: ErrDuplicateKey, unique: true},
		{name: "foreign key", err: &pq.Error{Code: "23503"}, fk: true},
		{name: "missing parent", err: ErrMissingParent, fk: true},
		{name: "serialization", err: &pq.Error{Code: "40001"}, transient: true},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, transient: true},
		{name: "connection class", err: &pq.Error{Code: "08006"}, transient: true},
		{name: "bad conn", err: driver.ErrBadConn, transient: true},
		{name: "deadline", err: context.DeadlineExceeded, transient: true},
		{name: "canceled", err: context.Canceled},
		{name: "syntax", err: &pq.Error{Code: "42601"}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err); got != tc.unique {
				t.Fatalf("IsUniqueViolation=%v want %v", got, tc.unique)
			}
			if got := IsForeignKeyViolation(tc.err); got != tc.fk {
				t.Fatalf("IsForeignKeyViolation=%v want %v", got, tc.fk)
			}
			if got := IsTransient(tc.err); got != tc.transient {
				t.Fatalf("IsTransient=%v want %v", got, tc.transient)
			}
		})
	}
}
