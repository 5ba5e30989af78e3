package sdp

// PBAPRecordParams configures PBAPRecord's output.
type PBAPRecordParams struct {
	RFCOMMChannel       uint8
	L2CAPPSM            uint16
	HasL2CAPPSM         bool
	SupportedRepositories uint8 // pbap.Repository* bitmask
	SupportedFeatures     uint32
}

// PBAPRecord builds the attribute values of a Phonebook Access Profile
// server service record, in order: service class UUID list, protocol
// descriptor list, profile descriptor list, supported repositories and
// supported features (spec.md §6). The values are concatenated as bare
// data elements; no attribute IDs and no enclosing attribute-list
// sequence are emitted.
func PBAPRecord(p PBAPRecordParams) []byte {
	record := NewBuilder()
	record.Sequence(NewBuilder().UUID16(UUIDPhonebookPSE).Bytes())
	record.Sequence(protocolDescriptorList(p.RFCOMMChannel, p.L2CAPPSM, p.HasL2CAPPSM))
	record.Sequence(profileDescriptorList(UUIDPhonebookPSE, 1, 2))
	record.Uint8(p.SupportedRepositories)
	record.Uint32(p.SupportedFeatures)
	return record.Bytes()
}
