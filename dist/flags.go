package dist

import (
	"strings"
)

// Flags are the capability bits exchanged during the handshake.
type Flags uint64

const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
	FlagUTF8Atoms          Flags = 0x10000
	FlagMapTag             Flags = 0x20000
	FlagBigCreation        Flags = 0x40000
	FlagSendSender         Flags = 0x80000
	FlagBigSeqTraceLabels  Flags = 0x100000
	FlagExitPayload        Flags = 0x400000
	FlagFragments          Flags = 0x800000
	FlagHandshake23        Flags = 0x1000000
	FlagUnlinkID           Flags = 0x2000000
	FlagSpawn              Flags = 1 << 32
	FlagNameMe             Flags = 2 << 32
	FlagV4NC               Flags = 4 << 32
	FlagAlias              Flags = 8 << 32
)

// DefaultFlags is what a hidden node without atom cache or fragmentation
// advertises. It covers the set recent runtimes refuse to connect without.
const DefaultFlags = FlagExtendedReferences |
	FlagExtendedPidsPorts |
	FlagFunTags |
	FlagNewFunTags |
	FlagExportPtrTag |
	FlagBitBinaries |
	FlagNewFloats |
	FlagSmallAtomTags |
	FlagUTF8Atoms |
	FlagMapTag |
	FlagBigCreation |
	FlagHandshake23 |
	FlagUnlinkID |
	FlagV4NC

func (f Flags) Has(x Flags) bool { return f&x == x }

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPublished, "published"},
	{FlagExtendedReferences, "extended_references"},
	{FlagDistMonitor, "dist_monitor"},
	{FlagExtendedPidsPorts, "extended_pids_ports"},
	{FlagNewFloats, "new_floats"},
	{FlagUTF8Atoms, "utf8_atoms"},
	{FlagMapTag, "map_tag"},
	{FlagBigCreation, "big_creation"},
	{FlagHandshake23, "handshake_23"},
	{FlagUnlinkID, "unlink_id"},
	{FlagV4NC, "v4_nc"},
}

// String lists the well-known bits, for logs.
func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
