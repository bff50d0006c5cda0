package ports

import "context"

// TxConfirmation reports the block a watched transaction confirmed in.
type TxConfirmation struct {
	TxID        string
	BlockHeight int64
}

// BlockchainService observes the chain through an explorer backend.
type BlockchainService interface {
	ChainHeight(ctx context.Context) (int64, error)
	// WaitForConfirmation blocks until the transaction has at least one
	// confirmation or the context ends.
	WaitForConfirmation(ctx context.Context, txID string) (*TxConfirmation, error)
}
