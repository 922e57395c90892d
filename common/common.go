package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	BlockSize uint64 = disk.BlockSize
	NBITBLOCK uint64 = disk.BlockSize * 8

	// Every metadata block starts with a meta header carrying this magic.
	MAGIC uint32 = 0x01161970
)

// Meta types, stored in the meta header of each metadata block.
const (
	METATYPE_NONE uint32 = 0
	METATYPE_SB   uint32 = 1
	METATYPE_RG   uint32 = 2
	METATYPE_DI   uint32 = 4
	METATYPE_IN   uint32 = 5
	METATYPE_LH   uint32 = 8
	METATYPE_LD   uint32 = 9
	METATYPE_LB   uint32 = 12
)

// Formats go with the meta types and are bumped on layout changes.
const (
	FORMAT_SB uint32 = 100
	FORMAT_RG uint32 = 200
	FORMAT_DI uint32 = 400
	FORMAT_IN uint32 = 500
	FORMAT_LH uint32 = 800
	FORMAT_LD uint32 = 900
	FORMAT_LB uint32 = 1200
)

// Log descriptor entry types.
const (
	LOG_DESC_METADATA uint32 = 1
	LOG_DESC_REVOKE   uint32 = 2
)

type Bnum = uint64

const NULLBNUM Bnum = 0
