package subject

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
)

var (
	didRegex   = regexp.MustCompile(`^did:[a-z]+:[a-zA-Z0-9._:%-]*[a-zA-Z0-9._-]$`)
	aturiRegex = regexp.MustCompile(`^at:\/\/(?P<authority>[a-zA-Z0-9._:%-]+)(\/(?P<collection>[a-zA-Z0-9-.]+)(\/(?P<rkey>[a-zA-Z0-9_~.:-]{1,512}))?)?$`)
	nsidRegex  = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+(\.[a-zA-Z]([a-zA-Z]{0,61}[a-zA-Z])?)$`)
	rkeyRegex  = regexp.MustCompile(`^[a-zA-Z0-9_~.:-]{1,512}$`)
)

// ParseDID checks DID syntax. Only the generic DID grammar is enforced; the
// method is not resolved.
func ParseDID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("expected DID, got empty string")
	}
	if len(raw) > 2*1024 {
		return "", fmt.Errorf("DID is too long (2048 chars max)")
	}
	if !didRegex.MatchString(raw) {
		return "", fmt.Errorf("DID syntax didn't validate via regex")
	}
	return raw, nil
}

func ParseNSID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("expected NSID, got empty string")
	}
	if len(raw) > 317 {
		return "", fmt.Errorf("NSID is too long (317 chars max)")
	}
	if !nsidRegex.MatchString(raw) {
		return "", fmt.Errorf("NSID syntax didn't validate via regex")
	}
	return raw, nil
}

func ParseRecordKey(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("expected record key, got empty string")
	}
	if raw == "." || raw == ".." {
		return "", fmt.Errorf("record key can not be '.' or '..'")
	}
	if !rkeyRegex.MatchString(raw) {
		return "", fmt.Errorf("record key syntax didn't validate via regex")
	}
	return raw, nil
}

// ParseCID checks that raw is a decodable CIDv1 string.
func ParseCID(raw string) (string, error) {
	if len(raw) < 8 || len(raw) > 256 {
		return "", fmt.Errorf("CID length out of range: %d", len(raw))
	}
	if strings.HasPrefix(raw, "Qm") {
		return "", fmt.Errorf("CIDv0 not allowed")
	}
	c, err := cid.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("invalid CID: %w", err)
	}
	if c.Version() != 1 {
		return "", fmt.Errorf("unexpected CID version: %d", c.Version())
	}
	return raw, nil
}

// recordURI is a parsed AT-URI with a DID authority. Collection and record key
// are both empty for a bare repo URI.
type recordURI struct {
	did        string
	collection string
	rkey       string
}

func parseATURI(raw string) (recordURI, error) {
	if len(raw) > 8192 {
		return recordURI{}, fmt.Errorf("AT-URI is too long (8192 chars max)")
	}
	parts := aturiRegex.FindStringSubmatch(raw)
	if parts == nil {
		return recordURI{}, fmt.Errorf("AT-URI syntax didn't validate via regex")
	}
	did, err := ParseDID(parts[1])
	if err != nil {
		return recordURI{}, fmt.Errorf("AT-URI authority is not a DID: %w", err)
	}
	u := recordURI{did: did}
	if parts[3] != "" {
		if u.collection, err = ParseNSID(parts[3]); err != nil {
			return recordURI{}, fmt.Errorf("AT-URI collection: %w", err)
		}
	}
	if parts[5] != "" {
		if u.rkey, err = ParseRecordKey(parts[5]); err != nil {
			return recordURI{}, fmt.Errorf("AT-URI record key: %w", err)
		}
	}
	return u, nil
}

func (u recordURI) String() string {
	s := "at://" + u.did
	if u.collection != "" {
		s += "/" + u.collection
		if u.rkey != "" {
			s += "/" + u.rkey
		}
	}
	return s
}

func (u recordURI) path() string {
	return u.collection + "/" + u.rkey
}
