package subject

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	s := Scheme{Root: "dicom.tunnel", Channel: ChannelA}
	require.NoError(t, s.Validate())

	id := s.AssociationID(42)
	assert.Equal(t, "dicom.tunnel.A.42", id)
	assert.Equal(t, "dicom.tunnel.A.*", s.Announcements())
	assert.Equal(t, "dicom.tunnel.A.42.>", All(id))
	assert.Equal(t, "dicom.tunnel.A.42.3.0", Chunk(id, 3, 0, false))
	assert.Equal(t, "dicom.tunnel.A.42.3.10.EOF", Chunk(id, 3, 10, true))
	assert.Equal(t, "dicom.tunnel.A.42.RELEASE", Release(id))

	serial, ok := s.Serial(id)
	assert.True(t, ok)
	assert.Equal(t, uint32(42), serial)

	_, ok = s.Serial("dicom.tunnel.B.42")
	assert.False(t, ok)
}

func TestScheme_RepliesUseOppositeChannel(t *testing.T) {
	assert.Equal(t, ChannelB, ChannelA.Opposite())
	assert.Equal(t, ChannelA, ChannelB.Opposite())

	a := Scheme{Root: "dicom", Channel: ChannelA}
	b := Scheme{Root: "dicom", Channel: ChannelB}
	assert.Equal(t, "dicom.B._INBOX", a.Inbox())
	assert.Equal(t, "dicom.A._INBOX", b.Inbox())

	for _, s := range []Scheme{a, b} {
		inbox := strings.Split(s.Inbox(), ".")
		announcements := strings.Split(s.Announcements(), ".")
		assert.NotEqual(t, announcements[1], inbox[1], "requests and replies of %s share a channel", s.Channel)
	}
}

func TestScheme_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scheme  Scheme
		wantErr bool
	}{
		{"channel A", Scheme{Root: "dicom", Channel: ChannelA}, false},
		{"channel B", Scheme{Root: "dicom", Channel: ChannelB}, false},
		{"missing root", Scheme{Channel: ChannelA}, true},
		{"missing channel", Scheme{Root: "dicom"}, true},
		{"wildcard", Scheme{Root: "dicom.*", Channel: ChannelA}, true},
		{"empty token", Scheme{Root: "dicom..x", Channel: ChannelA}, true},
		{"other channel", Scheme{Root: "dicom", Channel: "site1"}, true},
		{"lower case channel", Scheme{Root: "dicom", Channel: "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scheme.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	id := "dicom.tunnel.site1.42"

	tests := []struct {
		subject string
		want    Parsed
		wantErr bool
	}{
		{id + ".7.0", Parsed{Kind: KindChunk, MessageID: 7, Index: 0}, false},
		{id + ".7.3.EOF", Parsed{Kind: KindChunk, MessageID: 7, Index: 3, EOF: true}, false},
		{id + ".RELEASE", Parsed{Kind: KindRelease}, false},
		{id + ".7", Parsed{}, true},
		{id + ".x.0", Parsed{}, true},
		{id + ".7.-1", Parsed{}, true},
		{id + ".7.1.DONE", Parsed{}, true},
		{id + ".70000.1", Parsed{}, true},
		{"dicom.tunnel.site1.43.7.0", Parsed{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := Parse(id, tt.subject)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, eof := range []bool{false, true} {
		p, err := Parse(id, Chunk(id, 65535, 12, eof))
		require.NoError(t, err)
		assert.Equal(t, Parsed{Kind: KindChunk, MessageID: 65535, Index: 12, EOF: eof}, p)
	}
}
