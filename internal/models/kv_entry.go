// Package models defines the GORM models backing the on-device store.
package models

import "time"

// KVEntry is one key of one namespace in the durable key/value store. The
// composite primary key keeps namespaces isolated from each other.
type KVEntry struct {
	Namespace string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:64"`
	Value     []byte `gorm:"type:blob;not null"`
	UpdatedAt time.Time
}

// TableName pins the table name so renaming the struct never orphans data.
func (KVEntry) TableName() string { return "kv_entries" }
