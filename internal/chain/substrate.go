package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	regstate "github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"golang.org/x/crypto/blake2b"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/telemetry"
)

// FallbackTransferCall replaces Balances.transfer on runtimes that removed it
const FallbackTransferCall = "Balances.transfer_allow_death"

// WSConnector opens a fresh WebSocket session per Connect. Sessions from one
// connector share a submit slot so that signed transfers reach the pool one
// at a time and each reads a nonce that counts the previous one.
type WSConnector struct {
	url          string
	transferCall string
	submitSlot   chan struct{}
}

// NewWSConnector creates a connector for the node at url
func NewWSConnector(url, transferCall string) *WSConnector {
	return &WSConnector{
		url:          url,
		transferCall: transferCall,
		submitSlot:   make(chan struct{}, 1),
	}
}

// Endpoint returns the node URL
func (c *WSConnector) Endpoint() string {
	return c.url
}

// Connect dials the node and waits until the session is ready to sign:
// metadata, genesis hash and runtime version loaded.
func (c *WSConnector) Connect(ctx context.Context) (Node, error) {
	start := time.Now()

	type dialResult struct {
		api *gsrpc.SubstrateAPI
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		api, err := gsrpc.NewSubstrateAPI(c.url)
		dialed <- dialResult{api: api, err: err}
	}()

	var api *gsrpc.SubstrateAPI
	select {
	case <-ctx.Done():
		// a late dial still has to be released
		go func() {
			if r := <-dialed; r.api != nil {
				closeClient(r.api)
			}
		}()
		return nil, fmt.Errorf("connect %s: %w", c.url, ctx.Err())
	case r := <-dialed:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", c.url, r.err)
		}
		api = r.api
	}

	node, err := prepareNode(ctx, api, c.transferCall)
	if err != nil {
		closeClient(api)
		return nil, err
	}
	node.submitSlot = c.submitSlot

	telemetry.NodeConnectDuration.Observe(time.Since(start).Seconds())
	telemetry.ActiveSessions.Inc()
	return node, nil
}

func prepareNode(ctx context.Context, api *gsrpc.SubstrateAPI, transferCall string) (*wsNode, error) {
	meta, err := withContext(ctx, api.RPC.State.GetMetadataLatest)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	genesis, err := withContext(ctx, func() (types.Hash, error) {
		return api.RPC.Chain.GetBlockHash(0)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch genesis hash: %w", err)
	}
	runtime, err := withContext(ctx, api.RPC.State.GetRuntimeVersionLatest)
	if err != nil {
		return nil, fmt.Errorf("fetch runtime version: %w", err)
	}
	call, err := resolveTransferCall(meta, transferCall)
	if err != nil {
		return nil, err
	}
	events, err := withContext(ctx, func() (retriever.EventRetriever, error) {
		return retriever.NewDefaultEventRetriever(regstate.NewEventProvider(api.RPC.State), api.RPC.State)
	})
	if err != nil {
		return nil, fmt.Errorf("event retriever: %w", err)
	}
	errs, err := buildErrorTable(meta)
	if err != nil {
		// module errors then report their raw indices
		slog.Warn("build error table", "error", err)
	}

	n := &wsNode{
		api:          api,
		meta:         meta,
		genesis:      genesis,
		runtime:      runtime,
		transferCall: call,
		inspector: &rpcInspector{
			blocks: api.RPC.Chain,
			events: events,
			errors: errs,
		},
		nonces:     rpcNonces{client: api.Client},
		submitSlot: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	n.storedNonce = n.accountNonce
	return n, nil
}

// withContext runs a blocking RPC and gives up when ctx ends first. The call
// itself is released when the caller closes the client.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func resolveTransferCall(meta *types.Metadata, preferred string) (string, error) {
	if _, err := meta.FindCallIndex(preferred); err == nil {
		return preferred, nil
	}
	if _, err := meta.FindCallIndex(FallbackTransferCall); err == nil {
		slog.Warn("transfer call not in runtime, using fallback", "call", preferred, "fallback", FallbackTransferCall)
		return FallbackTransferCall, nil
	}
	return "", fmt.Errorf("runtime exposes neither %s nor %s", preferred, FallbackTransferCall)
}

func closeClient(api *gsrpc.SubstrateAPI) {
	if c, ok := api.Client.(interface{ Close() }); ok {
		c.Close()
	}
}

// statusSubscription is the part of the author subscription the watch loop uses
type statusSubscription interface {
	Chan() <-chan types.ExtrinsicStatus
	Err() <-chan error
	Unsubscribe()
}

// blockInspector resolves what happened to an extrinsic inside a block
type blockInspector interface {
	Inspect(blockHash types.Hash, encodedExt string) ([]domain.EventRecord, *domain.DispatchError, error)
}

// nonceSource returns the next index for an account, transactions waiting
// in the pool included.
type nonceSource interface {
	NextIndex(address string) (uint64, error)
}

type rpcCaller interface {
	Call(result interface{}, method string, args ...interface{}) error
}

type rpcNonces struct {
	client rpcCaller
}

func (r rpcNonces) NextIndex(address string) (uint64, error) {
	var nonce uint64
	if err := r.client.Call(&nonce, "system_accountNextIndex", address); err != nil {
		return 0, err
	}
	return nonce, nil
}

type wsNode struct {
	api          *gsrpc.SubstrateAPI
	meta         *types.Metadata
	genesis      types.Hash
	runtime      *types.RuntimeVersion
	transferCall string
	inspector    blockInspector
	nonces       nonceSource
	storedNonce  func(publicKey []byte) (uint64, error)
	submitSlot   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// FreeBalance returns the free balance of the account, zero when it does not exist
func (n *wsNode) FreeBalance(ctx context.Context, publicKey []byte) (*big.Int, error) {
	info, err := withContext(ctx, func() (types.AccountInfo, error) {
		info, _, err := n.account(publicKey)
		return info, err
	})
	if err != nil {
		return nil, err
	}
	if info.Data.Free.Int == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(info.Data.Free.Int), nil
}

func (n *wsNode) account(publicKey []byte) (types.AccountInfo, bool, error) {
	var info types.AccountInfo
	key, err := types.CreateStorageKey(n.meta, "System", "Account", publicKey)
	if err != nil {
		return info, false, fmt.Errorf("account storage key: %w", err)
	}
	ok, err := n.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return info, false, fmt.Errorf("query account: %w", err)
	}
	return info, ok, nil
}

// SubmitTransfer signs the transfer with signer, broadcasts it and watches its status
func (n *wsNode) SubmitTransfer(ctx context.Context, signer signature.KeyringPair, intent domain.TransferIntent) (*domain.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dest, err := types.NewMultiAddressFromAccountID(intent.DestinationKey)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}
	call, err := types.NewCall(n.meta, n.transferCall, dest, types.NewUCompact(intent.Amount))
	if err != nil {
		return nil, fmt.Errorf("build %s call: %w", n.transferCall, err)
	}

	var (
		sub     statusSubscription
		encoded []byte
	)
	err = n.withNonce(ctx, signer, func(nonce uint64) error {
		ext := types.NewExtrinsic(call)
		opts := types.SignatureOptions{
			BlockHash:          n.genesis,
			Era:                types.ExtrinsicEra{IsMortalEra: false},
			GenesisHash:        n.genesis,
			Nonce:              types.NewUCompactFromUInt(nonce),
			SpecVersion:        n.runtime.SpecVersion,
			Tip:                types.NewUCompactFromUInt(0),
			TransactionVersion: n.runtime.TransactionVersion,
		}
		if err := ext.Sign(signer, opts); err != nil {
			return fmt.Errorf("sign transfer: %w", err)
		}
		var err error
		if encoded, err = codec.Encode(ext); err != nil {
			return fmt.Errorf("encode extrinsic: %w", err)
		}
		if sub, err = n.api.RPC.Author.SubmitAndWatchExtrinsic(ext); err != nil {
			return fmt.Errorf("submit transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return n.watch(sub, encoded), nil
}

// withNonce holds the connector's submit slot while it reads the next nonce
// and runs submit, so a concurrent transfer sees this one in the pool.
func (n *wsNode) withNonce(ctx context.Context, signer signature.KeyringPair, submit func(nonce uint64) error) error {
	select {
	case n.submitSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-n.submitSlot }()

	nonce, err := n.nextNonce(signer)
	if err != nil {
		return fmt.Errorf("signer nonce: %w", err)
	}
	return submit(nonce)
}

// nextNonce prefers the pool-aware system_accountNextIndex and falls back to
// the account's stored nonce.
func (n *wsNode) nextNonce(signer signature.KeyringPair) (uint64, error) {
	nonce, err := n.nonces.NextIndex(signer.Address)
	if err == nil {
		return nonce, nil
	}
	slog.Warn("system_accountNextIndex failed, using stored nonce", "error", err)
	return n.storedNonce(signer.PublicKey)
}

func (n *wsNode) accountNonce(publicKey []byte) (uint64, error) {
	info, _, err := n.account(publicKey)
	if err != nil {
		return 0, err
	}
	return uint64(info.Nonce), nil
}

func (n *wsNode) watch(sub statusSubscription, encoded []byte) *domain.Submission {
	updates := make(chan domain.TxUpdate)
	encodedHex := "0x" + hex.EncodeToString(encoded)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(updates)
		defer sub.Unsubscribe()

		for {
			select {
			case <-n.done:
				return
			case err, ok := <-sub.Err():
				if !ok {
					return
				}
				n.send(updates, domain.TxUpdate{Err: err})
				return
			case status, ok := <-sub.Chan():
				if !ok {
					return
				}
				u := n.update(status, encodedHex)
				if !n.send(updates, u) {
					return
				}
				if u.Err != nil || u.Status == domain.TxStatusFinalized || u.Status.IsFailure() {
					return
				}
			}
		}
	}()

	return &domain.Submission{
		TxHash:  ExtrinsicHash(encoded),
		Updates: updates,
	}
}

func (n *wsNode) send(out chan<- domain.TxUpdate, u domain.TxUpdate) bool {
	select {
	case out <- u:
		return true
	case <-n.done:
		return false
	}
}

func (n *wsNode) update(status types.ExtrinsicStatus, encodedHex string) domain.TxUpdate {
	u := domain.TxUpdate{Status: StatusOf(status)}

	var block *types.Hash
	switch {
	case status.IsInBlock:
		block = &status.AsInBlock
	case status.IsFinalized:
		block = &status.AsFinalized
	case status.IsRetracted:
		u.BlockHash = status.AsRetracted.Hex()
	case status.IsFinalityTimeout:
		u.BlockHash = status.AsFinalityTimeout.Hex()
	}
	if block == nil {
		return u
	}

	u.BlockHash = block.Hex()
	events, dispatchErr, err := n.inspector.Inspect(*block, encodedHex)
	if err != nil {
		u.Err = fmt.Errorf("%w: inspect block %s: %v", domain.ErrOutcomeUnknown, u.BlockHash, err)
		return u
	}
	u.Events = events
	u.DispatchError = dispatchErr
	return u
}

// Close releases the session. Watches in flight end and close their channels.
func (n *wsNode) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		if n.api != nil {
			closeClient(n.api)
		}
		n.wg.Wait()
		telemetry.ActiveSessions.Dec()
	})
	return nil
}

// StatusOf maps a pool status notification to its domain status
func StatusOf(status types.ExtrinsicStatus) domain.TxStatus {
	switch {
	case status.IsFuture:
		return domain.TxStatusFuture
	case status.IsReady:
		return domain.TxStatusReady
	case status.IsBroadcast:
		return domain.TxStatusBroadcast
	case status.IsInBlock:
		return domain.TxStatusInBlock
	case status.IsRetracted:
		return domain.TxStatusRetracted
	case status.IsFinalityTimeout:
		return domain.TxStatusFinalityTimeout
	case status.IsFinalized:
		return domain.TxStatusFinalized
	case status.IsUsurped:
		return domain.TxStatusUsurped
	case status.IsDropped:
		return domain.TxStatusDropped
	case status.IsInvalid:
		return domain.TxStatusInvalid
	}
	return domain.TxStatusInvalid
}

// ExtrinsicHash is the blake2b-256 hash of the SCALE-encoded extrinsic, as
// reported by the node's author_submitExtrinsic.
func ExtrinsicHash(encoded []byte) string {
	sum := blake2b.Sum256(encoded)
	return "0x" + hex.EncodeToString(sum[:])
}
