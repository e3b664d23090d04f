package labels

import (
	"fmt"

	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/subject"
	"github.com/bluesky-social/ozone/util"
)

// version of the label data format implemented by this package
const LabelVersion int64 = 1

// Label is a signed assertion by Src about URI (a DID or AT-URI).
type Label struct {
	CID       *string `json:"cid,omitempty"`
	CreatedAt string  `json:"cts"`
	ExpiresAt *string `json:"exp,omitempty"`
	Negated   *bool   `json:"neg,omitempty"`
	SourceDID string  `json:"src"`
	URI       string  `json:"uri"`
	Val       string  `json:"val"`
	Version   int64   `json:"ver"`
	Sig       []byte  `json:"sig,omitempty"`
}

func (l *Label) IsNegated() bool {
	return l.Negated != nil && *l.Negated
}

// Data converts to a map in the shape of the canonical CBOR object. Optional
// fields are omitted rather than null.
func (l *Label) Data() map[string]any {
	d := map[string]any{
		"cts": l.CreatedAt,
		"src": l.SourceDID,
		"uri": l.URI,
		"val": l.Val,
		"ver": l.Version,
	}
	if l.CID != nil {
		d["cid"] = *l.CID
	}
	if l.ExpiresAt != nil {
		d["exp"] = *l.ExpiresAt
	}
	if l.IsNegated() {
		d["neg"] = true
	}
	if l.Sig != nil {
		d["sig"] = l.Sig
	}
	return d
}

// UnsignedBytes is the DAG-CBOR encoding of the label without its signature.
func (l *Label) UnsignedBytes() ([]byte, error) {
	d := l.Data()
	delete(d, "sig")
	return cbor.DumpObject(d)
}

// Sign signs the label, storing the signature in the `Sig` field.
func (l *Label) Sign(key *signing.PrivateKey) error {
	b, err := l.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := key.HashAndSign(b)
	if err != nil {
		return err
	}
	l.Sig = sig
	return nil
}

// VerifySignature returns nil if Sig is a valid signature by pub.
func (l *Label) VerifySignature(pub *signing.PublicKey) error {
	if l.Sig == nil {
		return fmt.Errorf("can not verify unsigned label")
	}
	b, err := l.UnsignedBytes()
	if err != nil {
		return err
	}
	return pub.HashAndVerify(b, l.Sig)
}

// does basic checks on syntax and structure
func (l *Label) VerifySyntax() error {
	if l.Version != LabelVersion {
		return fmt.Errorf("unsupported label version: %d", l.Version)
	}
	if len(l.Val) == 0 || len(l.Val) > 128 {
		return fmt.Errorf("invalid label value length: %d", len(l.Val))
	}
	if l.CID != nil {
		if _, err := subject.ParseCID(*l.CID); err != nil {
			return fmt.Errorf("invalid label: %w", err)
		}
	}
	if _, err := util.ParseTimestamp(l.CreatedAt); err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	if l.ExpiresAt != nil {
		if _, err := util.ParseTimestamp(*l.ExpiresAt); err != nil {
			return fmt.Errorf("invalid label: %w", err)
		}
	}
	if _, err := subject.ParseDID(l.SourceDID); err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	if _, err := subject.KeyFor(l.URI); err != nil {
		return fmt.Errorf("invalid label: %w", err)
	}
	return nil
}

// FromModel converts a stored row back to a Label.
func FromModel(row *models.Label) Label {
	l := Label{
		CreatedAt: row.Cts,
		ExpiresAt: row.Exp,
		SourceDID: row.Src,
		URI:       row.Uri,
		Val:       row.Val,
		Version:   LabelVersion,
		Sig:       row.Sig,
	}
	if row.Cid != "" {
		c := row.Cid
		l.CID = &c
	}
	if row.Neg {
		neg := true
		l.Negated = &neg
	}
	return l
}

func (l *Label) toModel(keyID uint) models.Label {
	row := models.Label{
		Src:          l.SourceDID,
		Uri:          l.URI,
		Val:          l.Val,
		Neg:          l.IsNegated(),
		Cts:          l.CreatedAt,
		Exp:          l.ExpiresAt,
		Sig:          l.Sig,
		SigningKeyID: keyID,
	}
	if l.CID != nil {
		row.Cid = *l.CID
	}
	return row
}
