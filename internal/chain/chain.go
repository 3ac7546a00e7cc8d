// Package chain talks to a Substrate node over its WebSocket RPC: session
// setup, account queries, and signing, broadcasting and watching transfers.
package chain

import (
	"context"
	"math/big"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
)

// Node is one acquired session with a node. Close releases it and ends any
// open transfer watch; it is safe to call more than once.
type Node interface {
	FreeBalance(ctx context.Context, publicKey []byte) (*big.Int, error)
	SubmitTransfer(ctx context.Context, signer signature.KeyringPair, intent domain.TransferIntent) (*domain.Submission, error)
	Close() error
}

// Connector acquires node sessions
type Connector interface {
	Connect(ctx context.Context) (Node, error)
	Endpoint() string
}
