package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableKeyRoundTrip(t *testing.T) {
	key := EncodeTableKey("orders")
	assert.Equal(t, RowTable, ClassifyKey(key))
	name, err := DecodeTableKey(key)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}

func TestTabletKeyRoundTrip(t *testing.T) {
	key := EncodeTabletKey("orders", []byte("cust-0042"))
	assert.Equal(t, RowTablet, ClassifyKey(key))
	name, start, err := DecodeTabletKey(key)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
	assert.Equal(t, []byte("cust-0042"), start)
}

func TestTabletKeyRoundTripEmptyStartKey(t *testing.T) {
	key := EncodeTabletKey("orders", nil)
	name, start, err := DecodeTabletKey(key)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
	assert.Empty(t, start)
}

func TestUserKeyRoundTrip(t *testing.T) {
	key := EncodeUserKey("alice")
	assert.Equal(t, RowUser, ClassifyKey(key))
	name, err := DecodeUserKey(key)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestRowSortOrder(t *testing.T) {
	tableKey := EncodeTableKey("orders")
	tabletKey := EncodeTabletKey("orders", []byte("m"))
	userKey := EncodeUserKey("alice")

	assert.Less(t, string(tableKey), string(tabletKey))
	assert.Less(t, string(tabletKey), string(userKey))
}

func TestDecodeTableKeyRejectsWrongPrefix(t *testing.T) {
	_, err := DecodeTableKey(EncodeUserKey("alice"))
	assert.Error(t, err)
}

func TestDecodeTabletKeyRejectsReservedPrefixes(t *testing.T) {
	_, _, err := DecodeTabletKey(EncodeTableKey("orders"))
	assert.Error(t, err)
	_, _, err = DecodeTabletKey(EncodeUserKey("alice"))
	assert.Error(t, err)
}

func TestTableMetaEnvelopeRoundTrip(t *testing.T) {
	original := &TableMeta{
		Name: "orders",
		Schema: Schema{
			RawKeyMode: RawKeyBinary,
			LocalityGroups: []LocalityGroup{
				{Name: "lg0", Compression: "snappy", Families: []ColumnFamily{{Name: "cf0", MaxVersion: 3}}},
			},
		},
		Status:           TableEnable,
		CreateTime:       time.Unix(1700000000, 0).UTC(),
		NextTabletNumber: 7,
		Snapshots:        []uint64{1, 2},
		ACL:              []ACLEntry{{Group: "admins", Perm: 7}},
	}

	data, err := EncodeTableMeta(original)
	require.NoError(t, err)

	decoded, err := DecodeTableMeta(data)
	require.NoError(t, err)
	assert.Equal(t, original.Name, decoded.Name)
	assert.Equal(t, original.Schema, decoded.Schema)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.NextTabletNumber, decoded.NextTabletNumber)
	assert.Equal(t, original.Snapshots, decoded.Snapshots)
	assert.Equal(t, original.ACL, decoded.ACL)
	assert.True(t, original.CreateTime.Equal(decoded.CreateTime))
}

func TestTabletMetaEnvelopeRoundTrip(t *testing.T) {
	original := &TabletMeta{
		TableName:     "orders",
		StartKey:      []byte("a"),
		EndKey:        []byte("m"),
		TabletNumber:  5,
		Lineage:       []uint64{1, 2},
		ServerAddr:    "127.0.0.1:9000",
		Status:        TabletReady,
		DataSize:      1024,
		LGSizes:       []LGSize{{Name: "lg0", Bytes: 1024}},
		Counters:      Counters{ReadQPS: 10.5},
		CompactStatus: OnCompact,
	}

	data, err := EncodeTabletMeta(original)
	require.NoError(t, err)

	decoded, err := DecodeTabletMeta(data)
	require.NoError(t, err)
	assert.Equal(t, original.TableName, decoded.TableName)
	assert.Equal(t, original.StartKey, decoded.StartKey)
	assert.Equal(t, original.EndKey, decoded.EndKey)
	assert.Equal(t, original.TabletNumber, decoded.TabletNumber)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.CompactStatus, decoded.CompactStatus)
}

func TestUserEnvelopeRoundTrip(t *testing.T) {
	original := &User{Name: "alice", Token: "deadbeef", Groups: []string{"admins", "readers"}}

	data, err := EncodeUser(original)
	require.NoError(t, err)

	decoded, err := DecodeUser(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeEnvelopeRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeTableMeta([]byte{0xfe, '{', '}'})
	assert.Error(t, err)
}

func TestDecodeEnvelopeRejectsEmpty(t *testing.T) {
	_, err := DecodeTableMeta(nil)
	assert.Error(t, err)
}
