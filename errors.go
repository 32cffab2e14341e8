package metacache

import "github.com/tabletdb/metacache/rpcstatus"

func corruptionInternedIndexOutOfRange(tabletID string, idx int32, tsInfosLen int) error {
	return rpcstatus.NewCorruption(
		"metacache: tablet %s references interned server index %d but response carries %d ts_infos",
		tabletID, idx, tsInfosLen)
}

func corruptionEmptyTSInfos(id string) error {
	return rpcstatus.NewCorruption(
		"metacache: %s response carries interned replicas but no ts_infos", id)
}
