package meta

import (
	terrors "github.com/tera-db/tera/errors"
)

// TabletStatus is a tablet's lifecycle state (spec.md §3). Allowed
// transitions are the fixed directed graph in transitions below; any edge
// not listed there is rejected.
type TabletStatus uint8

const (
	TabletNotInit TabletStatus = iota
	TabletOffline
	TabletWaitLoad
	TabletOnLoad
	TabletReady
	TabletOnSplit
	TabletOnMerge
	TabletUnloading
	TabletUnloaded
	TabletSplited
	TabletLoadFail
	TabletUnLoadFail
	TabletSplitFail
	TabletPending
	TabletWaitSplit
	TabletDeleted
)

var tabletStatusNames = map[TabletStatus]string{
	TabletNotInit:    "NotInit",
	TabletOffline:    "Offline",
	TabletWaitLoad:   "WaitLoad",
	TabletOnLoad:     "OnLoad",
	TabletReady:      "Ready",
	TabletOnSplit:    "OnSplit",
	TabletOnMerge:    "OnMerge",
	TabletUnloading:  "Unloading",
	TabletUnloaded:   "Unloaded",
	TabletSplited:    "Splited",
	TabletLoadFail:   "LoadFail",
	TabletUnLoadFail: "UnLoadFail",
	TabletSplitFail:  "SplitFail",
	TabletPending:    "Pending",
	TabletWaitSplit:  "WaitSplit",
	TabletDeleted:    "Deleted",
}

func (s TabletStatus) String() string {
	if name, ok := tabletStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// transitions is the fixed directed graph spec.md §3 requires: created by
// CreateTable or as a Split child → Offline → WaitLoad → OnLoad → Ready →
// (OnSplit | OnMerge | Unloading) → Unloaded/Splited/Deleted, with the
// failure states as retry sinks that loop back into the step they failed.
var transitions = map[TabletStatus]map[TabletStatus]bool{
	TabletNotInit: {
		TabletOffline: true,
	},
	TabletOffline: {
		TabletWaitLoad: true,
		TabletPending:  true,
		TabletDeleted:  true,
	},
	TabletWaitLoad: {
		TabletOnLoad: true,
	},
	TabletPending: {
		TabletWaitLoad: true,
	},
	TabletOnLoad: {
		TabletReady:    true,
		TabletLoadFail: true,
	},
	TabletLoadFail: {
		TabletOnLoad:   true, // retry on the same server
		TabletWaitLoad: true, // retry after Move picked a new server
		TabletPending:  true, // retry budget exhausted, no candidate server
	},
	TabletReady: {
		TabletOnSplit:   true,
		TabletOnMerge:   true,
		TabletUnloading: true,
		TabletWaitSplit: true,
	},
	TabletWaitSplit: {
		TabletOnSplit: true,
	},
	TabletOnSplit: {
		TabletSplited:   true,
		TabletSplitFail: true,
	},
	TabletSplitFail: {
		TabletOnSplit: true, // retry
		TabletReady:   true, // give up, stay serving
	},
	TabletOnMerge: {
		TabletUnloading: true, // the merge unloads both tablets first
		TabletDeleted:   true, // merged away into the new tablet
	},
	TabletUnloading: {
		TabletUnloaded:   true,
		TabletUnLoadFail: true,
	},
	TabletUnLoadFail: {
		TabletUnloading: true, // retry
		TabletReady:     true, // give up, stay serving
	},
	TabletUnloaded: {
		TabletWaitLoad: true, // reloaded elsewhere by Move
		TabletOnSplit:  true, // was unloaded in preparation for Split
		TabletOnMerge:  true, // was unloaded in preparation for Merge
		TabletDeleted:  true,
	},
	TabletSplited: {
		TabletDeleted: true, // parent row removed once children are Ready
	},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to TabletStatus) bool {
	return transitions[from][to]
}

// Transition applies from → to, returning terrors.ErrIllegalTransition
// (Terminal-system, per spec.md §7) if the edge is not in the graph. The
// caller's state is left unchanged on error, matching spec.md §3's "any
// disallowed transition is rejected and must leave state unchanged."
func Transition(current *TabletStatus, to TabletStatus) error {
	if !CanTransition(*current, to) {
		return terrors.Info(terrors.ErrIllegalTransition,
			current.String()+" -> "+to.String())
	}
	*current = to
	return nil
}
