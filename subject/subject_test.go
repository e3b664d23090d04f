package subject

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCID(t *testing.T, data string) string {
	t.Helper()
	c, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: multihash.SHA2_256, MhLength: -1}.Sum([]byte(data))
	require.NoError(t, err)
	return c.String()
}

func TestRepoSubject(t *testing.T) {
	assert := assert.New(t)

	s, err := NewRepo("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(KindRepo, s.Kind())
	assert.Equal(StatusKey{DID: "did:plc:alice"}, s.Key())
	assert.True(s.Key().IsRepo())
	assert.Empty(s.URI())

	_, err = NewRepo("alice.example.com")
	assert.ErrorIs(err, ErrInvalidSubject)
	_, err = NewRepo("did:plc:")
	assert.ErrorIs(err, ErrInvalidSubject)
}

func TestRecordSubject(t *testing.T) {
	assert := assert.New(t)
	recordCID := testCID(t, "record")
	blob := testCID(t, "blob")

	s, err := NewRecord("at://did:plc:bob/app.bsky.feed.post/3kabc", recordCID, []string{blob})
	require.NoError(t, err)
	assert.Equal(KindRecord, s.Kind())
	assert.Equal("did:plc:bob", s.DID())
	assert.Equal(StatusKey{DID: "did:plc:bob", RecordPath: "app.bsky.feed.post/3kabc"}, s.Key())
	assert.Equal("at://did:plc:bob/app.bsky.feed.post/3kabc", s.URI())
	assert.Equal(recordCID, s.CID())
	assert.Equal([]string{blob}, s.BlobCIDs())
	assert.Equal("app.bsky.feed.post", s.Collection())
	assert.Equal("3kabc", s.RecordKey())

	// the returned slice is a copy
	blobs := s.BlobCIDs()
	blobs[0] = "mutated"
	assert.Equal([]string{blob}, s.BlobCIDs())

	_, err = NewRecord("at://did:plc:bob/app.bsky.feed.post", "", nil)
	assert.ErrorIs(err, ErrInvalidSubject)
	_, err = NewRecord("at://bob.example.com/app.bsky.feed.post/3kabc", "", nil)
	assert.ErrorIs(err, ErrInvalidSubject)
	_, err = NewRecord("at://did:plc:bob/app.bsky.feed.post/3kabc", "not-a-cid", nil)
	assert.ErrorIs(err, ErrInvalidSubject)
	_, err = NewRecord("at://did:plc:bob/app.bsky.feed.post/3kabc", "", []string{"QmNotAllowed11111"})
	assert.ErrorIs(err, ErrInvalidSubject)
}

func TestMessageSubject(t *testing.T) {
	assert := assert.New(t)

	s, err := NewMessage("did:plc:carol", "convo1", "msg1")
	require.NoError(t, err)
	assert.Equal(KindMessage, s.Kind())
	assert.Equal(StatusKey{DID: "did:plc:carol"}, s.Key())
	assert.Equal("msg1", s.MessageID())
	assert.Equal("convo1", s.ConvoID())

	_, err = NewMessage("did:plc:carol", "convo1", "")
	assert.ErrorIs(err, ErrInvalidSubject)
}

func TestParseAndKeyFor(t *testing.T) {
	assert := assert.New(t)

	s, err := Parse("did:web:example.com", "", nil)
	require.NoError(t, err)
	assert.True(IsRepo(s))

	s, err = Parse("at://did:plc:bob/app.bsky.feed.post/3kabc", "", nil)
	require.NoError(t, err)
	assert.True(IsRecord(s))

	_, err = Parse("https://example.com", "", nil)
	assert.ErrorIs(err, ErrInvalidSubject)

	k, err := KeyFor("at://did:plc:bob/app.bsky.feed.post/3kabc")
	require.NoError(t, err)
	assert.Equal(StatusKey{DID: "did:plc:bob", RecordPath: "app.bsky.feed.post/3kabc"}, k)

	k, err = KeyFor("at://did:plc:bob")
	require.NoError(t, err)
	assert.True(k.IsRepo())

	_, err = KeyFor("bob")
	assert.ErrorIs(err, ErrInvalidSubject)

	back, err := FromStatusKey(StatusKey{DID: "did:plc:bob", RecordPath: "app.bsky.feed.post/3kabc"}, "", nil)
	require.NoError(t, err)
	assert.Equal("at://did:plc:bob/app.bsky.feed.post/3kabc", back.URI())
}

func TestWithBlobCIDs(t *testing.T) {
	blob := testCID(t, "blob")
	s, err := NewRecord("at://did:plc:bob/app.bsky.feed.post/3kabc", "", nil)
	require.NoError(t, err)
	s2 := s.WithBlobCIDs([]string{blob})
	assert.Empty(t, s.BlobCIDs())
	assert.Equal(t, []string{blob}, s2.BlobCIDs())
}

func TestSubjectString(t *testing.T) {
	assert := assert.New(t)

	for _, raw := range []string{"did:plc:alice", "at://did:plc:bob/app.bsky.feed.post/3kabc"} {
		s, err := Parse(raw, "", nil)
		require.NoError(t, err)
		assert.Equal(raw, s.String())
	}

	msg, err := NewMessage("did:plc:carol", "convo1", "msg1")
	require.NoError(t, err)
	var s Subject = msg
	assert.Equal("did:plc:carol#msg1", s.String())
}
