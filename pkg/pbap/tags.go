package pbap

import "github.com/obexstack/obex/pkg/appparam"

// Application-parameter tag numbers, bit-exact per the PBAP 1.2
// specification (spec.md §6: "must be emitted and parsed bit-exactly").
const (
	TagOrder                  appparam.Tag = 0x01
	TagSearchValue             appparam.Tag = 0x02
	TagSearchProperty          appparam.Tag = 0x03
	TagMaxListCount            appparam.Tag = 0x04
	TagListStartOffset         appparam.Tag = 0x05
	TagPropertySelector        appparam.Tag = 0x06
	TagFormat                  appparam.Tag = 0x07
	TagPhonebookSize           appparam.Tag = 0x08
	TagNewMissedCalls          appparam.Tag = 0x09
	TagPrimaryFolderVersion    appparam.Tag = 0x0A
	TagSecondaryFolderVersion  appparam.Tag = 0x0B
	TagVCardSelector           appparam.Tag = 0x0C
	TagDatabaseIdentifier      appparam.Tag = 0x0D
	TagVCardSelectorOperator   appparam.Tag = 0x0E
	TagResetNewMissedCalls     appparam.Tag = 0x0F
	TagPBAPSupportedFeatures   appparam.Tag = 0x10
)

// Supported-repositories bitmask constants for the SDP record (spec.md
// §6's "supported repositories" profile-specific attribute), supplemented
// from original_source's demo and header material.
const (
	RepositoryLocalPhonebook uint8 = 1 << 0
	RepositorySIM            uint8 = 1 << 1
	RepositorySpeedDial      uint8 = 1 << 2
	RepositoryFavorites      uint8 = 1 << 3
)

// responseMeta accumulates the application-set "present" metadata fields
// that must be serialized as TLVs inside a single ApplicationParameters
// header on the first response fragment of a GET chain (spec.md §4.6).
type responseMeta struct {
	hasNewMissedCalls     bool
	newMissedCalls        uint16
	hasDatabaseID         bool
	databaseID            [16]byte
	hasPrimaryFolderVer   bool
	primaryFolderVer      [16]byte
	hasSecondaryFolderVer bool
	secondaryFolderVer    [16]byte
	hasPhonebookSize      bool
	phonebookSize         uint16
}

func (m *responseMeta) empty() bool {
	return !m.hasNewMissedCalls && !m.hasDatabaseID && !m.hasPrimaryFolderVer &&
		!m.hasSecondaryFolderVer && !m.hasPhonebookSize
}

// encode serializes the set fields as application-parameter TLVs and
// clears each "present" flag, per spec.md's "each present flag is cleared
// once serialized".
func (m *responseMeta) encode() []byte {
	enc := appparam.NewEncoder()
	if m.hasNewMissedCalls {
		enc.AddUint16(TagNewMissedCalls, m.newMissedCalls)
		m.hasNewMissedCalls = false
	}
	if m.hasPhonebookSize {
		enc.AddUint16(TagPhonebookSize, m.phonebookSize)
		m.hasPhonebookSize = false
	}
	if m.hasPrimaryFolderVer {
		enc.Add(TagPrimaryFolderVersion, m.primaryFolderVer[:])
		m.hasPrimaryFolderVer = false
	}
	if m.hasSecondaryFolderVer {
		enc.Add(TagSecondaryFolderVersion, m.secondaryFolderVer[:])
		m.hasSecondaryFolderVer = false
	}
	if m.hasDatabaseID {
		enc.Add(TagDatabaseIdentifier, m.databaseID[:])
		m.hasDatabaseID = false
	}
	return enc.Bytes()
}
