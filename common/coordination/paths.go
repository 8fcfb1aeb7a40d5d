package coordination

import "fmt"

// Well-known coordination paths. All tera processes sharing a cluster name
// root their nodes under a common prefix so one coordination ensemble can
// host multiple clusters.
const (
	masterLockNode     = "/master-lock"
	tabletServerDir    = "/ts"
	kickDir            = "/kick"
	safeModeNode       = "/safemode"
	rootTabletAddrNode = "/root-tablet-addr"
)

// Root returns the path prefix for a cluster's coordination tree.
func Root(clusterName string) string {
	return "/tera/" + clusterName
}

// MasterLockPath is the ephemeral node tablet servers and standby masters
// watch to discover the current master; the node's value is the current
// master's RPC address.
func MasterLockPath(clusterName string) string {
	return Root(clusterName) + masterLockNode
}

// TabletServerNodePath is the ephemeral node a tablet server creates on
// startup, named by its own session id so restarts don't collide with a
// not-yet-expired prior session.
func TabletServerNodePath(clusterName, sessionID string) string {
	return fmt.Sprintf("%s%s/%s", Root(clusterName), tabletServerDir, sessionID)
}

// TabletServerDirPath is the directory the master lists to enumerate live
// tablet servers.
func TabletServerDirPath(clusterName string) string {
	return Root(clusterName) + tabletServerDir
}

// KickPath is the node the master creates to forcibly evict a tablet server
// session; the tablet server watches its own kick path and exits on sight.
func KickPath(clusterName, sessionID string) string {
	return fmt.Sprintf("%s%s/%s", Root(clusterName), kickDir, sessionID)
}

// SafeModePath is the node whose presence signals that the master has
// entered safe mode.
func SafeModePath(clusterName string) string {
	return Root(clusterName) + safeModeNode
}

// RootTabletAddrPath is the node holding the serving address of the meta
// table's own root tablet.
func RootTabletAddrPath(clusterName string) string {
	return Root(clusterName) + rootTabletAddrNode
}
