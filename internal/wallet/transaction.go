package wallet

// PlainTransaction is a fully-resolved unsigned transaction: signer key,
// nonce and block hash already filled in, ready for wire serialization.
type PlainTransaction struct {
	SignerID   string   `json:"signerId"`
	PublicKey  string   `json:"publicKey"`
	Nonce      uint64   `json:"nonce"`
	ReceiverID string   `json:"receiverId"`
	BlockHash  string   `json:"blockHash"`
	Actions    []Action `json:"actions"`
}

// TransactionSerializer turns transactions into the chain's binary wire
// format. It is injected so the encoding stays swappable; the default
// implementation lives in the transaction signer package.
type TransactionSerializer interface {
	SerializeTransaction(tx PlainTransaction) ([]byte, error)
	SerializeSignedTransaction(tx PlainTransaction, signature []byte) ([]byte, error)
}
