package cashu

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"error"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) Error {
	return Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2

	NotFoundErrCode                CashuErrCode = 11000
	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	AmountMismatchErrCode          CashuErrCode = 11003

	InvalidProofErrCode CashuErrCode = 10003

	UnknownKeysetErrCode CashuErrCode = 12001

	InvoiceNotPaidErrCode CashuErrCode = 20001
	TokensIssuedErrCode   CashuErrCode = 20002
	InvoiceExpiredErrCode CashuErrCode = 20004
)

var (
	StandardErr              = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr             = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	QuoteNotFoundErr         = Error{Detail: "quote not found", Code: NotFoundErrCode}
	InvoiceNotPaidErr        = Error{Detail: "Lightning invoice not paid yet.", Code: InvoiceNotPaidErrCode}
	InvoiceExpiredErr        = Error{Detail: "Lightning invoice expired.", Code: InvoiceExpiredErrCode}
	TokensAlreadyIssuedErr   = Error{Detail: "tokens already issued for quote", Code: TokensIssuedErrCode}
	AmountMismatchErr        = Error{Detail: "amount requested does not match quote amount", Code: AmountMismatchErrCode}
	ProofAlreadyUsedErr      = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr          = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	UnknownKeysetErr         = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	InsufficientProofsAmount = Error{Detail: "insufficient amount in proofs for melt", Code: InsufficientProofAmountErrCode}
	InvalidBlindedMessage    = Error{Detail: "invalid blinded message", Code: StandardErrCode}
)
