package models

import (
	"time"
)

// Label rows are keyed on (src, uri, cid, val). Cid is "" for labels that do
// not pin a record version. The primary key doubles as the stream sequence
// number.
type Label struct {
	ID           int64  `gorm:"primaryKey"`
	Src          string `gorm:"not null;uniqueIndex:idx_label_key"`
	Uri          string `gorm:"not null;uniqueIndex:idx_label_key"`
	Cid          string `gorm:"not null;uniqueIndex:idx_label_key"`
	Val          string `gorm:"not null;uniqueIndex:idx_label_key"`
	Neg          bool   `gorm:"not null"`
	Cts          string `gorm:"not null"`
	Exp          *string
	Sig          []byte
	SigningKeyID uint
}

func (Label) TableName() string {
	return "label"
}

// SigningKey tracks every public key that has signed a label, so rows signed
// by a rotated key can be found and re-signed.
type SigningKey struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

func (SigningKey) TableName() string {
	return "signing_key"
}
