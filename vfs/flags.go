package vfs

import (
	"fmt"
	"strings"
)

// OpenFlag is a bit-set of options passed to VFS.Open.
type OpenFlag int

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenWAL           OpenFlag = 0x00080000
)

var openFlagNames = []struct {
	flag OpenFlag
	name string
}{
	{OpenReadOnly, "READONLY"},
	{OpenReadWrite, "READWRITE"},
	{OpenCreate, "CREATE"},
	{OpenDeleteOnClose, "DELETEONCLOSE"},
	{OpenExclusive, "EXCLUSIVE"},
	{OpenMainDB, "MAIN_DB"},
	{OpenTempDB, "TEMP_DB"},
	{OpenTransientDB, "TRANSIENT_DB"},
	{OpenMainJournal, "MAIN_JOURNAL"},
	{OpenTempJournal, "TEMP_JOURNAL"},
	{OpenSubJournal, "SUBJOURNAL"},
	{OpenSuperJournal, "SUPER_JOURNAL"},
	{OpenWAL, "WAL"},
}

func (f OpenFlag) String() string {
	var parts []string
	for _, n := range openFlagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", int(f)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// AccessFlag selects the question answered by VFS.Access.
type AccessFlag int

const (
	AccessExists    AccessFlag = 0
	AccessReadWrite AccessFlag = 1
	AccessRead      AccessFlag = 2
)

// SyncFlag qualifies File.Sync.
type SyncFlag int

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

// LockLevel is the lock held on a File. Levels are ordered.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("LockLevel(%d)", int(l))
}

func (l LockLevel) valid() bool { return l >= LockNone && l <= LockExclusive }

// IOCap is a bit-set of device characteristics.
type IOCap int

// IOCapUndeletableWhenOpen indicates a file cannot be deleted while open.
const IOCapUndeletableWhenOpen IOCap = 0x00000800

// FcntlLockState is the File.FileControl op which reports the current
// LockLevel of the File.
const FcntlLockState = 1

// SectorSize reported by every File.
const SectorSize = 4096
