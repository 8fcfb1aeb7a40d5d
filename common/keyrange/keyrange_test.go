package keyrange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeContains(t *testing.T) {
	r := New([]byte("a"), []byte("c"))
	require.NotNil(t, r)
	assert.True(t, r.Contains([]byte("a")))
	assert.True(t, r.Contains([]byte("b")))
	assert.False(t, r.Contains([]byte("c")))
	assert.False(t, r.Contains([]byte("0")))
}

func TestRangeContainsOpenEnded(t *testing.T) {
	r := New([]byte("m"), nil)
	require.NotNil(t, r)
	assert.True(t, r.Contains([]byte("z")))
	assert.False(t, r.Contains([]byte("a")))
}

func TestRangeOverlaps(t *testing.T) {
	r := New([]byte("a"), []byte("m"))
	assert.True(t, r.Overlaps(New([]byte("f"), []byte("z"))))
	assert.False(t, r.Overlaps(New([]byte("m"), []byte("z"))))
	assert.False(t, r.Overlaps(New([]byte(""), []byte("a"))))
}

func TestRangeCovers(t *testing.T) {
	r := New([]byte("a"), []byte("z"))
	assert.True(t, r.Covers(New([]byte("b"), []byte("c"))))
	assert.False(t, r.Covers(New([]byte("0"), []byte("c"))))
	assert.False(t, r.Covers(New([]byte("b"), []byte(""))))
}

func TestNewRejectsInverted(t *testing.T) {
	assert.Nil(t, New([]byte("z"), []byte("a")))
}

func TestFindAverageKeyExactCases(t *testing.T) {
	cases := []struct {
		name, start, end, want string
	}{
		{"both open", "", "", "\x7f"},
		{"open start even half", "", "b", "1\x00"},
		{"open start odd half", "", "\x01", "\x00"},
		{"single byte successors", "a", "b", "a\x80"},
		{"shared prefix successors", "helloa", "hellob", "helloa\x80"},
		{"start exhausted by trailing 0xff", "a\xff\xff", "b", "a\xff\xff\x80"},
		{"commented reference case", "abc", "abe", "abd"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := FindAverageKey([]byte(c.start), []byte(c.end))
			require.True(t, ok)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestFindAverageKeySatisfiesOrdering(t *testing.T) {
	cases := []struct{ start, end string }{
		{"a", "ab"},
		{"a\x10", "b"},
		{"b", ""},
		{"000000000000001480186993", "000000000000002147352684"},
		{"000017\xf0", "000018000000001397050688"},
		{"0000\x7f", "0000\x80"},
	}
	for _, c := range cases {
		t.Run(c.start+".."+c.end, func(t *testing.T) {
			got, ok := FindAverageKey([]byte(c.start), []byte(c.end))
			require.True(t, ok)
			assert.Less(t, c.start, got)
			if c.end != "" {
				assert.Less(t, got, c.end)
			}
		})
	}
}

func TestFindAverageKeyFailureCases(t *testing.T) {
	_, ok := FindAverageKey([]byte(""), []byte("\x00"))
	assert.False(t, ok)

	_, ok = FindAverageKey([]byte("aaa"), []byte("aaa\x00"))
	assert.False(t, ok)

	_, ok = FindAverageKey([]byte("same"), []byte("same"))
	assert.False(t, ok)
}
