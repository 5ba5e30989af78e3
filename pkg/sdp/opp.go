package sdp

// OPPRecordParams configures OPPRecord's output.
type OPPRecordParams struct {
	RFCOMMChannel   uint8
	L2CAPPSM        uint16
	HasL2CAPPSM     bool
	SupportedFormats []uint8 // OBEX object-format byte codes (vCard, vCal, ...)
}

// OPPRecord builds the attribute values of an Object Push Profile service
// record, in order: service class UUID list, protocol descriptor list,
// profile descriptor list, and the supported-formats list (spec.md §6).
// The values are concatenated as bare data elements; no attribute IDs
// and no enclosing attribute-list sequence are emitted.
func OPPRecord(p OPPRecordParams) []byte {
	record := NewBuilder()
	record.Sequence(NewBuilder().UUID16(UUIDObjectPush).Bytes()) // ServiceClassIDList
	record.Sequence(protocolDescriptorList(p.RFCOMMChannel, p.L2CAPPSM, p.HasL2CAPPSM))
	record.Sequence(profileDescriptorList(UUIDObjectPush, 1, 2))

	formatsBuilder := NewBuilder()
	for _, f := range p.SupportedFormats {
		formatsBuilder.Uint8(f)
	}
	record.Sequence(formatsBuilder.Bytes())

	return record.Bytes()
}
