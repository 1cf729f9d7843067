package carrier

// RejectReason classifies why bitcoind refused a raw transaction, mirroring
// the JSON-RPC error codes enumerated in spec section 6.
type RejectReason int

const (
	// ReasonVerifyRejected corresponds to RPC_VERIFY_REJECTED (-26): the
	// transaction failed network consensus/policy rules.
	ReasonVerifyRejected RejectReason = iota

	// ReasonVerifyError corresponds to RPC_VERIFY_ERROR (-25): typically
	// a missing or already-spent input.
	ReasonVerifyError

	// ReasonDeserializeError corresponds to RPC_DESERIALIZATION_ERROR
	// (-22). The core should never produce a malformed justice
	// transaction, since the Watcher already decoded it successfully
	// before handing it to the Responder; this case exists for
	// completeness (spec section 4.2).
	ReasonDeserializeError

	// ReasonUnknown covers any other JSON-RPC error code.
	ReasonUnknown
)

func (r RejectReason) String() string {
	switch r {
	case ReasonVerifyRejected:
		return "verify-rejected"
	case ReasonVerifyError:
		return "verify-error"
	case ReasonDeserializeError:
		return "deserialize-error"
	default:
		return "unknown"
	}
}

// ReceiptKind discriminates the possible outcomes of Carrier.Send (spec
// section 4.2).
type ReceiptKind int

const (
	// Delivered means the transaction was accepted to the mempool.
	Delivered ReceiptKind = iota

	// AlreadyInChain means the transaction was already mined; Receipt's
	// Confirmations field carries the follow-up confirmation count.
	AlreadyInChain

	// Rejected means bitcoind refused the transaction outright; Receipt's
	// Reason field carries the classification.
	Rejected

	// Unreachable means the RPC call itself failed (network/transport);
	// the caller should retry later without consuming a retry counter
	// (spec section 4.2).
	Unreachable
)

// Receipt is the result of a single Carrier.Send call.
type Receipt struct {
	Kind ReceiptKind

	// Confirmations is populated when Kind == AlreadyInChain.
	Confirmations uint32

	// Reason is populated when Kind == Rejected.
	Reason RejectReason
}
