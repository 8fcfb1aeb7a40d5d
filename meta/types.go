// Package meta holds the records the master keeps in the meta table: one
// TableMeta per table and one TabletMeta per tablet, plus the row-key
// encoding (codec.go) and the tablet status state machine
// (statemachine.go) that governs how a TabletMeta's Status may change.
package meta

import "time"

// RawKeyMode controls how a table's row keys are interpreted.
type RawKeyMode uint8

const (
	RawKeyBinary   RawKeyMode = iota // arbitrary bytes, compared lexicographically
	RawKeyReadable                   // printable keys, '\0'-delimited columns disallowed
	RawKeyTTLKv                      // single-column KV table with a TTL per cell
	RawKeyGeneralKv                  // single-column KV table, no TTL
)

// TableStatus is a table's lifecycle state (spec.md §3: "NotInit → Enable ⇄
// Disable → Deleting").
type TableStatus uint8

const (
	TableNotInit TableStatus = iota
	TableEnable
	TableDisable
	TableDeleting
)

func (s TableStatus) String() string {
	switch s {
	case TableNotInit:
		return "NotInit"
	case TableEnable:
		return "Enable"
	case TableDisable:
		return "Disable"
	case TableDeleting:
		return "Deleting"
	default:
		return "Unknown"
	}
}

// ColumnFamily is one column family within a locality group.
type ColumnFamily struct {
	Name       string `json:"name"`
	MaxVersion int32  `json:"max_version"`
	TTLSeconds int64  `json:"ttl_seconds"` // 0 means no TTL
}

// LocalityGroup groups column families that share compression and storage
// placement.
type LocalityGroup struct {
	Name        string         `json:"name"`
	Compression string         `json:"compression"`
	Families    []ColumnFamily `json:"families"`
}

// Schema is a table's column layout.
type Schema struct {
	RawKeyMode     RawKeyMode      `json:"raw_key_mode"`
	LocalityGroups []LocalityGroup `json:"locality_groups"`
}

// ACLEntry grants perm to every user in group; read by master's
// CheckPermission (spec.md §4.8), which no RPC path calls.
type ACLEntry struct {
	Group string `json:"group"`
	Perm  uint8  `json:"perm"`
}

// TableMeta is the record stored at the `@<table_name>` meta row.
type TableMeta struct {
	Name       string      `json:"name"`
	Schema     Schema      `json:"schema"`
	Status     TableStatus `json:"status"`
	CreateTime time.Time   `json:"create_time"`

	// NextTabletNumber is a monotonically increasing counter; every new
	// tablet (initial split of the table, or a later Split/Merge child)
	// consumes the next value and the counter never resets.
	NextTabletNumber uint64 `json:"next_tablet_number"`

	Snapshots []uint64   `json:"snapshots"`
	ACL       []ACLEntry `json:"acl"`

	// SchemaSyncing and OldSchema track an in-flight online schema change
	// (spec.md §4.9): while SchemaSyncing is true, OldSchema holds the
	// schema tablet servers are still expected to ack against, and
	// RangeFragment (kept out-of-band in master/schema.go, not persisted
	// here) tracks which key ranges have acknowledged the new one.
	SchemaSyncing bool    `json:"schema_syncing"`
	OldSchema     *Schema `json:"old_schema,omitempty"`
}

// CompactStatus tracks whether a tablet currently has a manual compaction
// in flight (spec.md §3 names the field but leaves its values undefined).
type CompactStatus uint8

const (
	NotCompact CompactStatus = iota
	OnCompact
)

// LGSize is one locality group's on-disk size within a tablet.
type LGSize struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes"`
}

// Counters holds a tablet's serving-load measurements, consulted by
// LoadBalancer's load-based scheduler.
type Counters struct {
	ReadQPS   float64 `json:"read_qps"`
	WriteQPS  float64 `json:"write_qps"`
	ScanQPS   float64 `json:"scan_qps"`
	ReadBytes int64   `json:"read_bytes"`
}

// TabletMeta is the record stored at the `<table>\x00<start_key>` meta row.
type TabletMeta struct {
	TableName string `json:"table_name"`
	StartKey  []byte `json:"start_key"`
	EndKey    []byte `json:"end_key"`

	// TabletNumber names this tablet's on-disk path, <table>/<number>
	// zero-padded. Lineage holds the chain of ancestor tablet numbers this
	// tablet descends from via Split, oldest first; a merge child's
	// lineage is the concatenation of both parents' lineages plus their
	// own two numbers.
	TabletNumber uint64   `json:"tablet_number"`
	Lineage      []uint64 `json:"lineage"`

	ServerAddr string       `json:"server_addr"`
	Status     TabletStatus `json:"status"`

	DataSize  int64    `json:"data_size"`
	LGSizes   []LGSize `json:"lg_sizes"`
	Counters  Counters `json:"counters"`
	Snapshots []uint64 `json:"snapshots"`

	CompactStatus CompactStatus `json:"compact_status"`
	LastMoveTime  time.Time     `json:"last_move_time"`

	// ReadyTime is when this tablet most recently entered TabletReady. GC
	// uses the earliest ReadyTime across a table's live tablets as the
	// point before which no inherited file can safely be reclaimed.
	ReadyTime time.Time `json:"ready_time"`
}
