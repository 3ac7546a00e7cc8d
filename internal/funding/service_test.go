package funding

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/chain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/keyring"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/telemetry"
)

const testBlockHash = "0x6a5f6a4f0b2f0c79b3c8e1f2d3a4b5c6d7e8f90112233445566778899aabbccd"

// fakeNode replays a scripted status stream. With hold set the stream stays
// open after the script until Close, like a live subscription.
type fakeNode struct {
	balance    *big.Int
	balanceErr error
	submitErr  error
	script     []domain.TxUpdate
	hold       bool

	mu        sync.Mutex
	intents   []domain.TransferIntent
	signers   []signature.KeyringPair
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeNode(script ...domain.TxUpdate) *fakeNode {
	return &fakeNode{
		balance: big.NewInt(1_000_000_000_000_000),
		script:  script,
		closed:  make(chan struct{}),
	}
}

func (n *fakeNode) FreeBalance(ctx context.Context, publicKey []byte) (*big.Int, error) {
	if n.balanceErr != nil {
		return nil, n.balanceErr
	}
	return n.balance, nil
}

func (n *fakeNode) SubmitTransfer(ctx context.Context, signer signature.KeyringPair, intent domain.TransferIntent) (*domain.Submission, error) {
	if n.submitErr != nil {
		return nil, n.submitErr
	}
	n.mu.Lock()
	n.intents = append(n.intents, intent)
	n.signers = append(n.signers, signer)
	n.mu.Unlock()

	out := make(chan domain.TxUpdate)
	go func() {
		defer close(out)
		for _, u := range n.script {
			select {
			case out <- u:
			case <-n.closed:
				return
			}
		}
		if n.hold {
			<-n.closed
		}
	}()
	return &domain.Submission{TxHash: "0xfeed", Updates: out}, nil
}

func (n *fakeNode) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return nil
}

func (n *fakeNode) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

func (n *fakeNode) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-n.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("node session was not released")
	}
}

type fakeConnector struct {
	err   error
	nodes func() *fakeNode

	mu      sync.Mutex
	created []*fakeNode
}

func (c *fakeConnector) Connect(ctx context.Context) (chain.Node, error) {
	if c.err != nil {
		return nil, c.err
	}
	n := c.nodes()
	c.mu.Lock()
	c.created = append(c.created, n)
	c.mu.Unlock()
	return n, nil
}

func (c *fakeConnector) Endpoint() string { return "ws://fake" }

func connectorFor(n *fakeNode) *fakeConnector {
	return &fakeConnector{nodes: func() *fakeNode { return n }}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.GetType())
	}
	return out
}

func newTestService(t *testing.T, connector chain.Connector, publisher *recordingPublisher, finality time.Duration) (*Service, *keyring.Keyring) {
	t.Helper()
	keys, err := keyring.New(keyring.DefaultSS58Prefix, keyring.DefaultMnemonicWords)
	require.NoError(t, err)
	funder, err := keyring.LoadFunder(keys, "//Alice")
	require.NoError(t, err)

	svc := NewService(connector, keys, funder, publisher, Config{
		Amount:          big.NewInt(1_000_000_000_000),
		FinalityTimeout: finality,
	})
	t.Cleanup(svc.Stop)
	return svc, keys
}

func inBlock() domain.TxUpdate {
	return domain.TxUpdate{Status: domain.TxStatusInBlock, BlockHash: testBlockHash}
}

func finalizedUpdate() domain.TxUpdate {
	return domain.TxUpdate{Status: domain.TxStatusFinalized, BlockHash: testBlockHash}
}

func TestFund_InBlockSuccess(t *testing.T) {
	node := newFakeNode(
		domain.TxUpdate{Status: domain.TxStatusReady},
		domain.TxUpdate{Status: domain.TxStatusBroadcast},
		inBlock(),
		finalizedUpdate(),
	)
	pub := &recordingPublisher{}
	svc, keys := newTestService(t, connectorFor(node), pub, time.Minute)

	ctx := telemetry.WithRequestID(context.Background(), "req-1")
	result, err := svc.Fund(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, testBlockHash, result.BlockHash)

	pair, err := keys.Derive(result.Mnemonic)
	require.NoError(t, err)
	assert.Equal(t, pair.Address, result.Address)

	require.Len(t, node.intents, 1)
	assert.Equal(t, result.Address, node.intents[0].Destination)
	assert.Equal(t, pair.PublicKey, node.intents[0].DestinationKey)
	assert.Equal(t, "1000000000000", node.intents[0].Amount.String())
	assert.Equal(t, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", node.signers[0].Address)

	// the finality watcher releases the session after finalization
	node.waitClosed(t)
	svc.Stop()
	assert.Equal(t, []string{domain.EventTypeAddressFunded, domain.EventTypeTransferFinalized}, pub.types())

	funded := pub.events[0].(domain.AddressFunded)
	assert.Equal(t, "req-1", funded.RequestID)
	assert.Equal(t, "0xfeed", funded.TxHash)
}

func TestFund_FinalizedWithoutInBlock(t *testing.T) {
	node := newFakeNode(finalizedUpdate())
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, connectorFor(node), pub, time.Minute)

	result, err := svc.Fund(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testBlockHash, result.BlockHash)
	assert.True(t, node.isClosed())
	assert.Equal(t, []string{domain.EventTypeAddressFunded, domain.EventTypeTransferFinalized}, pub.types())
}

func TestFund_ConnectFailure(t *testing.T) {
	pub := &recordingPublisher{}
	connector := &fakeConnector{err: errors.New("dial tcp 127.0.0.1:9944: connection refused")}
	svc, _ := newTestService(t, connector, pub, time.Minute)

	result, err := svc.Fund(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, domain.StageConnect, domain.StageOf(err))

	var transferErr *domain.TransferError
	assert.False(t, errors.As(err, &transferErr))
	assert.Equal(t, []string{domain.EventTypeFundingFailed}, pub.types())
}

func TestFund_ModuleDispatchError(t *testing.T) {
	dispatch := &domain.DispatchError{Module: &domain.ModuleError{
		Section: "balances",
		Name:    "InsufficientBalance",
		Docs:    []string{"Balance too low to send value."},
	}}
	node := newFakeNode(
		domain.TxUpdate{Status: domain.TxStatusReady},
		domain.TxUpdate{Status: domain.TxStatusInBlock, BlockHash: testBlockHash, DispatchError: dispatch},
	)
	node.hold = true
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

	_, err := svc.Fund(context.Background())
	require.Error(t, err)

	var transferErr *domain.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, "balances.InsufficientBalance: Balance too low to send value.", err.Error())
	assert.True(t, node.isClosed(), "session must be released on transfer failure")
}

func TestFund_InvalidTransaction(t *testing.T) {
	node := newFakeNode(domain.TxUpdate{Status: domain.TxStatusInvalid})
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

	_, err := svc.Fund(context.Background())

	var transferErr *domain.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, domain.TxStatusInvalid, transferErr.Status)
	assert.True(t, node.isClosed())
}

func TestFund_StageFailuresReleaseSession(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeNode)
		stage domain.Stage
	}{
		{"balance query", func(n *fakeNode) { n.balanceErr = errors.New("state_getStorage failed") }, domain.StageBalance},
		{"submission", func(n *fakeNode) { n.submitErr = errors.New("1010: Invalid Transaction") }, domain.StageSubmit},
		{"watch closed", func(n *fakeNode) {}, domain.StageWatch},
		{"watch error", func(n *fakeNode) { n.script = []domain.TxUpdate{{Err: errors.New("ws closed")}} }, domain.StageWatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			tt.setup(node)
			svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

			_, err := svc.Fund(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.stage, domain.StageOf(err))
			assert.True(t, node.isClosed())
		})
	}
}

func TestFund_InBlockWithUnknownOutcomeFails(t *testing.T) {
	node := newFakeNode(domain.TxUpdate{
		Status:    domain.TxStatusInBlock,
		BlockHash: testBlockHash,
		Err:       fmt.Errorf("%w: inspect block %s: event decoder not found", domain.ErrOutcomeUnknown, testBlockHash),
	})
	node.hold = true
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, connectorFor(node), pub, time.Minute)

	res, err := svc.Fund(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
	assert.Equal(t, domain.StageWatch, domain.StageOf(err))

	var transferErr *domain.TransferError
	assert.False(t, errors.As(err, &transferErr))
	assert.True(t, node.isClosed())
	assert.Equal(t, []string{domain.EventTypeFundingFailed}, pub.types())
}

func TestFund_WatchClosedError(t *testing.T) {
	node := newFakeNode(domain.TxUpdate{Status: domain.TxStatusReady})
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

	_, err := svc.Fund(context.Background())
	assert.ErrorIs(t, err, domain.ErrWatchClosed)
}

func TestFund_ContextCancelledWhileWaiting(t *testing.T) {
	node := newFakeNode(domain.TxUpdate{Status: domain.TxStatusReady})
	node.hold = true
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.Fund(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, node.isClosed())
}

func TestFund_StopReleasesFinalityWatchers(t *testing.T) {
	node := newFakeNode(inBlock())
	node.hold = true
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)

	_, err := svc.Fund(context.Background())
	require.NoError(t, err)
	assert.False(t, node.isClosed(), "watcher owns the session until finality")

	svc.Stop()
	assert.True(t, node.isClosed())
}

func TestFund_FinalityTimeoutReleasesSession(t *testing.T) {
	node := newFakeNode(inBlock())
	node.hold = true
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, 50*time.Millisecond)

	_, err := svc.Fund(context.Background())
	require.NoError(t, err)
	node.waitClosed(t)
}

func TestFund_AfterStopKeepsSessionScoped(t *testing.T) {
	node := newFakeNode(inBlock())
	node.hold = true
	svc, _ := newTestService(t, connectorFor(node), &recordingPublisher{}, time.Minute)
	svc.Stop()

	_, err := svc.Fund(context.Background())
	require.NoError(t, err)
	assert.True(t, node.isClosed())
}

func TestFund_ConcurrentRequestsGetDistinctIdentities(t *testing.T) {
	connector := &fakeConnector{nodes: func() *fakeNode { return newFakeNode(inBlock(), finalizedUpdate()) }}
	svc, keys := newTestService(t, connector, &recordingPublisher{}, time.Minute)

	const n = 8
	results := make([]*domain.FundingResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Fund(context.Background())
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	addresses := map[string]bool{}
	mnemonics := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		addresses[r.Address] = true
		mnemonics[r.Mnemonic] = true

		pair, err := keys.Derive(r.Mnemonic)
		require.NoError(t, err)
		assert.Equal(t, pair.Address, r.Address)
	}
	assert.Len(t, addresses, n)
	assert.Len(t, mnemonics, n)

	for _, node := range connector.created {
		node.waitClosed(t)
	}
}
