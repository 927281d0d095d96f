package models

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// forUpdateSkipLocked applies row-level locking that skips rows already
// claimed by a concurrent transaction. This is the only cross-process mutex
// in the system: the scheduler tick and the outbox dispatcher both rely on
// it to split batches across replicas without double-claiming.
//
// The sqlite driver used by tests is single-writer and rejects FOR UPDATE,
// so the clause is applied on postgres only.
func forUpdateSkipLocked(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
