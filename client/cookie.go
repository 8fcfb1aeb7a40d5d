package client

import (
	"hash/fnv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// cookieRecord is the on-disk form of one cached TabletLocation.
type cookieRecord struct {
	StartKey   []byte `json:"start_key"`
	EndKey     []byte `json:"end_key"`
	ServerAddr string `json:"server_addr"`
}

// cookieFile is the full on-disk snapshot of a table's meta cache,
// written so a freshly started client doesn't have to re-walk root and
// meta tablets for every table it already knew the routing of.
type cookieFile struct {
	Table     string         `json:"table"`
	CreatedAt int64          `json:"created_at"`
	Records   []cookieRecord `json:"records"`
}

// CookieName builds the file name a persisted cache for table is stored
// under: <table>-<createtime>-<clusterhash>, so stale cookies from a
// recreated table (new createTime) or a different cluster (different
// hash of its root address) never get mistaken for current routing.
func CookieName(table string, createTime time.Time, clusterAddr string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clusterAddr))
	return fmt.Sprintf("%s-%d-%x", table, createTime.Unix(), h.Sum32())
}

// SaveCookie snapshots the cached routing for table under dir, named per
// CookieName. Callers persist this after a batch of lookups so the next
// process start can load it with LoadCookie instead of cold-scanning.
func (c *ClientMetaCache) SaveCookie(dir, table string, createTime time.Time, clusterAddr string) error {
	c.mu.Lock()
	nodes := c.nodes[table]
	records := make([]cookieRecord, 0, len(nodes))
	for _, n := range nodes {
		if n.status != NodeNormal {
			continue
		}
		records = append(records, cookieRecord{
			StartKey:   n.loc.StartKey,
			EndKey:     n.loc.EndKey,
			ServerAddr: n.loc.ServerAddr,
		})
	}
	c.mu.Unlock()

	data, err := json.Marshal(cookieFile{Table: table, CreatedAt: createTime.Unix(), Records: records})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, CookieName(table, createTime, clusterAddr))
	return os.WriteFile(path, data, 0o644)
}

// LoadCookie seeds the cache for table from a previously saved cookie
// file. Loaded entries start in NodeDelayUpdate status: they serve
// lookups immediately, but the first routing fault against any of them
// triggers a real refresh rather than silently trusting a file that may
// have gone stale while the process was down.
func (c *ClientMetaCache) LoadCookie(dir, table string, createTime time.Time, clusterAddr string) error {
	path := filepath.Join(dir, CookieName(table, createTime, clusterAddr))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cf cookieFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return err
	}
	if cf.Table != table || cf.CreatedAt != createTime.Unix() {
		return fmt.Errorf("client: cookie %s does not match table %s@%d", path, table, createTime.Unix())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*metaNode, 0, len(cf.Records))
	for _, r := range cf.Records {
		nodes = append(nodes, &metaNode{
			loc: TabletLocation{
				Table:      table,
				StartKey:   r.StartKey,
				EndKey:     r.EndKey,
				ServerAddr: r.ServerAddr,
			},
			status:     NodeDelayUpdate,
			updateTime: createTime,
		})
	}
	c.nodes[table] = nodes
	return nil
}
