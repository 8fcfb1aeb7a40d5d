package master

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tera-db/tera/meta"
)

func TestRangeFragmentMergesAdjoiningAcks(t *testing.T) {
	f := NewRangeFragment()
	f.Ack([]byte("a"), []byte("m"))
	f.Ack([]byte("m"), []byte(""))
	assert.False(t, f.IsComplete())

	f.Ack([]byte(""), []byte("a"))
	assert.True(t, f.IsComplete())
}

func TestRangeFragmentOutOfOrderAcksStillMerge(t *testing.T) {
	f := NewRangeFragment()
	f.Ack([]byte("m"), []byte(""))
	f.Ack([]byte(""), []byte("a"))
	f.Ack([]byte("a"), []byte("m"))
	assert.True(t, f.IsComplete())
}

func TestRangeFragmentPartialCoverageIsNotComplete(t *testing.T) {
	f := NewRangeFragment()
	f.Ack([]byte("a"), []byte("m"))
	assert.False(t, f.IsComplete())
	assert.Len(t, f.Covered(), 1)
}

func TestRequireDisabledForCompatChangeRejectsEnabledTable(t *testing.T) {
	err := RequireDisabledForCompatChange(meta.TableMeta{Status: meta.TableEnable})
	assert.Error(t, err)

	err = RequireDisabledForCompatChange(meta.TableMeta{Status: meta.TableDisable})
	assert.NoError(t, err)
}
