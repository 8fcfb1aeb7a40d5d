package meta

import (
	"bytes"
	"encoding/json"

	terrors "github.com/tera-db/tera/errors"
)

// Reserved row-key prefixes. Table records sort before tablet records,
// which sort before user records, because '@' (0x40) < any table-name byte
// used as a tablet row's first byte would be (tablet rows are keyed by
// table name directly, which must never itself begin with the reserved
// prefixes below) < the user-record prefix (0xff, picked to sort after
// every printable table/tablet key spec.md §6 describes).
const (
	tablePrefix = '@'
	userPrefix  = 0xff
)

// RowType classifies a meta-table row key, used by the meta scanner to
// dispatch to the right decoder while walking a range that may mix all
// three kinds of record (spec.md §6: "table records sort before tablet
// records in the meta table").
type RowType int

const (
	RowUnknown RowType = iota
	RowTable
	RowTablet
	RowUser
)

// ClassifyKey reports which kind of record a meta-table row key encodes.
func ClassifyKey(key []byte) RowType {
	if len(key) == 0 {
		return RowUnknown
	}
	switch key[0] {
	case tablePrefix:
		return RowTable
	case userPrefix:
		return RowUser
	default:
		return RowTablet
	}
}

// EncodeTableKey returns the meta-table row key for a table record.
func EncodeTableKey(tableName string) []byte {
	return append([]byte{tablePrefix}, tableName...)
}

// DecodeTableKey recovers the table name from a table record's row key.
func DecodeTableKey(key []byte) (string, error) {
	if len(key) == 0 || key[0] != tablePrefix {
		return "", terrors.Info(terrors.ErrBadParam, "not a table row key")
	}
	return string(key[1:]), nil
}

// EncodeTabletKey returns the meta-table row key for a tablet record:
// `<table_name>\x00<start_key>` (spec.md §6).
func EncodeTabletKey(tableName string, startKey []byte) []byte {
	key := make([]byte, 0, len(tableName)+1+len(startKey))
	key = append(key, tableName...)
	key = append(key, 0x00)
	key = append(key, startKey...)
	return key
}

// DecodeTabletKey recovers the table name and start key from a tablet
// record's row key.
func DecodeTabletKey(key []byte) (tableName string, startKey []byte, err error) {
	if len(key) == 0 || key[0] == tablePrefix || key[0] == userPrefix {
		return "", nil, terrors.Info(terrors.ErrBadParam, "not a tablet row key")
	}
	idx := bytes.IndexByte(key, 0x00)
	if idx < 0 {
		return "", nil, terrors.Info(terrors.ErrBadParam, "tablet row key missing separator")
	}
	return string(key[:idx]), key[idx+1:], nil
}

// EncodeUserKey returns the meta-table row key for a user record.
func EncodeUserKey(userName string) []byte {
	return append([]byte{userPrefix}, userName...)
}

// DecodeUserKey recovers the user name from a user record's row key.
func DecodeUserKey(key []byte) (string, error) {
	if len(key) == 0 || key[0] != userPrefix {
		return "", terrors.Info(terrors.ErrBadParam, "not a user row key")
	}
	return string(key[1:]), nil
}

// Schema version prefix: every encoded TableMeta/TabletMeta/User value
// starts with one byte naming the layout used for the JSON payload that
// follows, the way the teacher's spaceInfo/shardInfo Marshal/Unmarshal pair
// would need to if it ever had to survive a field addition across restarts
// (it doesn't, because inodedb has no online schema change; this system
// does, per spec.md §4.9, so the version byte is load-bearing here).
const schemaVersion1 = byte(1)

// EncodeTableMeta serializes t as a versioned envelope.
func EncodeTableMeta(t *TableMeta) ([]byte, error) {
	return encodeEnvelope(t)
}

// DecodeTableMeta parses a versioned envelope produced by EncodeTableMeta.
func DecodeTableMeta(data []byte) (*TableMeta, error) {
	t := &TableMeta{}
	if err := decodeEnvelope(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// EncodeTabletMeta serializes t as a versioned envelope.
func EncodeTabletMeta(t *TabletMeta) ([]byte, error) {
	return encodeEnvelope(t)
}

// DecodeTabletMeta parses a versioned envelope produced by EncodeTabletMeta.
func DecodeTabletMeta(data []byte) (*TabletMeta, error) {
	t := &TabletMeta{}
	if err := decodeEnvelope(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// User is the record stored at a user row (spec.md §4.8): name, a hash of
// "user:pass", and the groups it belongs to, which master's
// CheckPermission matches against a table's ACL.
type User struct {
	Name   string   `json:"name"`
	Token  string   `json:"token"`
	Groups []string `json:"groups"`
}

// EncodeUser serializes u as a versioned envelope.
func EncodeUser(u *User) ([]byte, error) {
	return encodeEnvelope(u)
}

// DecodeUser parses a versioned envelope produced by EncodeUser.
func DecodeUser(data []byte) (*User, error) {
	u := &User{}
	if err := decodeEnvelope(data, u); err != nil {
		return nil, err
	}
	return u, nil
}

func encodeEnvelope(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, terrors.Info(err, "meta envelope marshal failed")
	}
	return append([]byte{schemaVersion1}, payload...), nil
}

func decodeEnvelope(data []byte, v interface{}) error {
	if len(data) == 0 {
		return terrors.Info(terrors.ErrBadParam, "empty meta envelope")
	}
	switch data[0] {
	case schemaVersion1:
		if err := json.Unmarshal(data[1:], v); err != nil {
			return terrors.Info(err, "meta envelope unmarshal failed")
		}
		return nil
	default:
		return terrors.Info(terrors.ErrMetaCorrupted, "unknown meta envelope schema version")
	}
}
