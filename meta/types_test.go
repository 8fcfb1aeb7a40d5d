package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableStatusString(t *testing.T) {
	assert.Equal(t, "NotInit", TableNotInit.String())
	assert.Equal(t, "Enable", TableEnable.String())
	assert.Equal(t, "Disable", TableDisable.String())
	assert.Equal(t, "Deleting", TableDeleting.String())
	var unknown TableStatus = 255
	assert.Equal(t, "Unknown", unknown.String())
}

func TestTableMetaZeroValueHasNoSchemaSync(t *testing.T) {
	tm := &TableMeta{}
	assert.False(t, tm.SchemaSyncing)
	assert.Nil(t, tm.OldSchema)
}
