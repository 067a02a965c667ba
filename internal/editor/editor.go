package editor

// BinaryEditor is the sealed interface (REDESIGN FLAGS: a Go interface,
// not the original's CRTP base class) every concrete format implements.
// State machine: {Unparsed} -> Build -> {Ready} -> any number of
// queries/mutations -> SaveChanges -> {Serialized}. Every mutation is
// idempotent with respect to identical inputs; the sequence of
// mutations is order-dependent (InjectSection before CalculateVA for
// the injected section).
type BinaryEditor interface {
	FirstExecutionVA() Address
	ExecFirst(va Address) Address
	TextSectionVA() Address
	TextSectionSize() uint64
	TextSectionContent() []byte
	TextSectionRA(entryPointRA uintptr) Address

	InjectSection(name string, content []byte) error
	UpdateContent(name string, content []byte) error
	UpdateTextSectionContent(content []byte) error
	CalculateVA(name string, offset uint64) (Address, error)

	SaveChanges(dst Destination) (trailerSurvives bool, err error)
	AlignToPageSize(va Address, length uint64) (Address, uint64)
}

// PageSize is the page granularity every format's AlignToPageSize rounds
// to; 4096 on every OS/arch combination this engine targets.
const PageSize = 4096

// AlignUp rounds n up to the next multiple of PageSize.
func AlignUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
