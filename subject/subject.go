// Package subject identifies moderation targets.
//
// A Subject is one of three closed variants: an account (Repo), a record in an
// account's repository (Record), or a private conversation message (Message).
// Every variant reduces to a StatusKey, which is the primary key of the
// subject status projection.
package subject

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidSubject is wrapped by every constructor failure in this package.
var ErrInvalidSubject = errors.New("invalid subject")

type Kind string

const (
	KindRepo    Kind = "com.atproto.admin.defs#repoRef"
	KindRecord  Kind = "com.atproto.repo.strongRef"
	KindMessage Kind = "chat.bsky.convo.defs#messageRef"
)

// StatusKey is the (did, recordPath) pair that subject status rows are keyed
// on. RecordPath is empty for account-level subjects.
type StatusKey struct {
	DID        string
	RecordPath string
}

func (k StatusKey) IsRepo() bool {
	return k.RecordPath == ""
}

// Subject is implemented only by Repo, Record and Message.
type Subject interface {
	Kind() Kind
	DID() string
	Key() StatusKey
	// URI is the record AT-URI, or empty for non-record subjects.
	URI() string
	// CID is the record version, or empty.
	CID() string
	BlobCIDs() []string
	String() string

	sealed()
}

type Repo struct {
	did string
}

type Record struct {
	uri      recordURI
	cid      string
	blobCIDs []string
}

type Message struct {
	did       string
	convoID   string
	messageID string
}

var (
	_ Subject = Repo{}
	_ Subject = Record{}
	_ Subject = Message{}
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubject, fmt.Sprintf(format, args...))
}

func NewRepo(did string) (Repo, error) {
	if _, err := ParseDID(did); err != nil {
		return Repo{}, invalid("%s", err)
	}
	return Repo{did: did}, nil
}

// NewRecord parses a record subject. The URI must name a collection and record
// key. The record CID is optional; blob CIDs must all be valid.
func NewRecord(uri, recordCID string, blobCIDs []string) (Record, error) {
	u, err := parseATURI(uri)
	if err != nil {
		return Record{}, invalid("%s", err)
	}
	if u.collection == "" || u.rkey == "" {
		return Record{}, invalid("record AT-URI must include collection and record key: %s", uri)
	}
	if recordCID != "" {
		if _, err := ParseCID(recordCID); err != nil {
			return Record{}, invalid("record CID: %s", err)
		}
	}
	for _, b := range blobCIDs {
		if _, err := ParseCID(b); err != nil {
			return Record{}, invalid("blob CID: %s", err)
		}
	}
	return Record{uri: u, cid: recordCID, blobCIDs: slices.Clone(blobCIDs)}, nil
}

func NewMessage(did, convoID, messageID string) (Message, error) {
	if _, err := ParseDID(did); err != nil {
		return Message{}, invalid("%s", err)
	}
	if messageID == "" {
		return Message{}, invalid("message subject requires a message id")
	}
	return Message{did: did, convoID: convoID, messageID: messageID}, nil
}

// Parse builds a Repo subject from a DID or a Record subject from an AT-URI.
func Parse(didOrURI, recordCID string, blobCIDs []string) (Subject, error) {
	switch {
	case strings.HasPrefix(didOrURI, "did:"):
		return NewRepo(didOrURI)
	case strings.HasPrefix(didOrURI, "at://"):
		return NewRecord(didOrURI, recordCID, blobCIDs)
	default:
		return nil, invalid("subject is neither a did nor an at-uri: %q", didOrURI)
	}
}

// KeyFor maps a DID or record AT-URI directly to its status key.
func KeyFor(didOrURI string) (StatusKey, error) {
	switch {
	case strings.HasPrefix(didOrURI, "did:"):
		if _, err := ParseDID(didOrURI); err != nil {
			return StatusKey{}, invalid("%s", err)
		}
		return StatusKey{DID: didOrURI}, nil
	case strings.HasPrefix(didOrURI, "at://"):
		u, err := parseATURI(didOrURI)
		if err != nil {
			return StatusKey{}, invalid("%s", err)
		}
		if u.collection == "" {
			return StatusKey{DID: u.did}, nil
		}
		return StatusKey{DID: u.did, RecordPath: u.path()}, nil
	default:
		return StatusKey{}, invalid("subject is neither a did nor an at-uri: %q", didOrURI)
	}
}

// FromStatusKey rebuilds a subject from a status row key. Record subjects come
// back without a CID unless one is supplied.
func FromStatusKey(key StatusKey, recordCID string, blobCIDs []string) (Subject, error) {
	if key.IsRepo() {
		return NewRepo(key.DID)
	}
	return NewRecord("at://"+key.DID+"/"+key.RecordPath, recordCID, blobCIDs)
}

func (r Repo) Kind() Kind { return KindRepo }
func (r Repo) DID() string { return r.did }
func (r Repo) Key() StatusKey { return StatusKey{DID: r.did} }
func (r Repo) URI() string { return "" }
func (r Repo) CID() string { return "" }
func (r Repo) BlobCIDs() []string { return nil }
func (r Repo) String() string { return r.did }
func (Repo) sealed() {}

func (r Record) Kind() Kind { return KindRecord }
func (r Record) DID() string { return r.uri.did }
func (r Record) Key() StatusKey { return StatusKey{DID: r.uri.did, RecordPath: r.uri.path()} }
func (r Record) URI() string { return r.uri.String() }
func (r Record) CID() string { return r.cid }
func (r Record) BlobCIDs() []string { return slices.Clone(r.blobCIDs) }
func (r Record) Collection() string { return r.uri.collection }
func (r Record) RecordKey() string { return r.uri.rkey }
func (r Record) String() string { return r.uri.String() }
func (Record) sealed() {}

// WithBlobCIDs returns a copy of the record subject carrying a different blob
// set. Used when a reversal has to cover blobs recorded on the status row.
func (r Record) WithBlobCIDs(blobCIDs []string) Record {
	r.blobCIDs = slices.Clone(blobCIDs)
	return r
}

func (m Message) Kind() Kind { return KindMessage }
func (m Message) DID() string { return m.did }
func (m Message) Key() StatusKey { return StatusKey{DID: m.did} }
func (m Message) URI() string { return "" }
func (m Message) CID() string { return "" }
func (m Message) BlobCIDs() []string { return nil }
func (m Message) ConvoID() string { return m.convoID }
func (m Message) MessageID() string { return m.messageID }
func (m Message) String() string { return m.did + "#" + m.messageID }
func (Message) sealed() {}

func IsRepo(s Subject) bool {
	_, ok := s.(Repo)
	return ok
}

func IsRecord(s Subject) bool {
	_, ok := s.(Record)
	return ok
}
