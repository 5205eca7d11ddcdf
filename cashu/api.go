package cashu

// Request/response types of the mint's HTTP API. Each maps 1:1
// to an operation on the Mint.

type RequestMintResponse struct {
	Hash string `json:"hash"`
	Pr   string `json:"pr"`
}

type MintRequest struct {
	Outputs BlindedMessages `json:"outputs"`
}

type PostMintResponse struct {
	Promises BlindedSignatures `json:"promises"`
}

type CheckFeesRequest struct {
	Pr string `json:"pr"`
}

type CheckFeesResponse struct {
	Fee uint64 `json:"fee"`
}

type SplitRequest struct {
	Proofs  Proofs          `json:"proofs"`
	Outputs BlindedMessages `json:"outputs"`
}

type SplitResponse struct {
	Promises BlindedSignatures `json:"promises"`
}

type CheckSpendableRequest struct {
	Proofs Proofs `json:"proofs"`
}

type CheckSpendableResponse struct {
	Spendable []bool `json:"spendable"`
}

type MeltRequest struct {
	Proofs Proofs `json:"proofs"`
	Pr     string `json:"pr"`
	// blank outputs for returning change from the fee reserve
	Outputs BlindedMessages `json:"outputs,omitempty"`
}

type MeltResponse struct {
	Paid     bool              `json:"paid"`
	Preimage string            `json:"preimage"`
	Change   BlindedSignatures `json:"change,omitempty"`
}

type MintVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MintInfo struct {
	Name            string      `json:"name,omitempty"`
	Pubkey          string      `json:"pubkey,omitempty"`
	Version         MintVersion `json:"version"`
	Description     string      `json:"description,omitempty"`
	DescriptionLong string      `json:"description_long,omitempty"`
	Contact         [][]string  `json:"contact,omitempty"`
	Motd            string      `json:"motd,omitempty"`
}
