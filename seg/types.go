package seg

import (
	"fmt"
)

// ExtentType tags every extent with the subsystem that owns its
// contents. The cache treats contents as opaque; the type matters for
// accounting and for the backref extent set.
type ExtentType uint8

const (
	Root ExtentType = iota
	LaddrInternal
	LaddrLeaf
	OmapInner
	OmapLeaf
	OnodeBlockStaged
	BackrefInternal
	BackrefLeaf
	ObjectData
	TestBlock
	RetiredPlaceholder

	ExtentTypeMax = int(RetiredPlaceholder) + 1
)

var extentTypeNames = map[ExtentType]string{
	Root:               "ROOT",
	LaddrInternal:      "LADDR_INTERNAL",
	LaddrLeaf:          "LADDR_LEAF",
	OmapInner:          "OMAP_INNER",
	OmapLeaf:           "OMAP_LEAF",
	OnodeBlockStaged:   "ONODE_BLOCK_STAGED",
	BackrefInternal:    "BACKREF_INTERNAL",
	BackrefLeaf:        "BACKREF_LEAF",
	ObjectData:         "OBJECT_DATA",
	TestBlock:          "TEST_BLOCK",
	RetiredPlaceholder: "RETIRED_PLACEHOLDER",
}

func (typ ExtentType) String() string {
	if s, ok := extentTypeNames[typ]; ok {
		return s
	}
	return fmt.Sprintf("ExtentType(%d)", uint8(typ))
}

// IsLogical reports whether extents of this type carry a logical
// address.
func (typ ExtentType) IsLogical() bool {
	switch typ {
	case OmapInner, OmapLeaf, OnodeBlockStaged, ObjectData, TestBlock:
		return true
	}
	return false
}

// IsBackrefNode reports whether extents of this type are nodes of the
// back-reference tree; their addresses are tracked in the backref
// extent set.
func (typ ExtentType) IsBackrefNode() bool {
	return typ == BackrefInternal || typ == BackrefLeaf
}

// TransactionSrc categorizes who started a transaction; it drives the
// per-source statistics and the conflict matrix.
type TransactionSrc uint8

const (
	SrcRead TransactionSrc = iota
	SrcMutate
	SrcCleanerTrim
	SrcCleanerReclaim
	SrcTrimBackref

	SrcMax = int(SrcTrimBackref) + 1
)

var srcNames = map[TransactionSrc]string{
	SrcRead:           "READ",
	SrcMutate:         "MUTATE",
	SrcCleanerTrim:    "CLEANER_TRIM",
	SrcCleanerReclaim: "CLEANER_RECLAIM",
	SrcTrimBackref:    "TRIM_BACKREF",
}

func (src TransactionSrc) String() string {
	if s, ok := srcNames[src]; ok {
		return s
	}
	return fmt.Sprintf("TransactionSrc(%d)", uint8(src))
}

// BackrefEntry records a physical to logical mapping for the segment
// cleaner. An entry with a null Laddr is a removal.
type BackrefEntry struct {
	Paddr Paddr
	Laddr Laddr
	Len   uint32
	Type  ExtentType
	Seq   JournalSeq
}

func (ent BackrefEntry) IsRemoval() bool {
	return ent.Laddr.IsNull()
}
