// Package funding runs the generate-and-fund workflow: acquire a node
// session, create a fresh identity, transfer a fixed amount to it from the
// funder account and report the first conclusive outcome.
package funding

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/chain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/keyring"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/queue"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/telemetry"
)

// Config holds the funding parameters
type Config struct {
	Amount          *big.Int
	FinalityTimeout time.Duration
}

// Service funds newly generated addresses
type Service struct {
	connector chain.Connector
	keys      *keyring.Keyring
	funder    *keyring.Funder
	publisher queue.Publisher

	amount          *big.Int
	finalityTimeout time.Duration

	// finality watchers own their node session once a request has returned
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService creates a funding service
func NewService(connector chain.Connector, keys *keyring.Keyring, funder *keyring.Funder, publisher queue.Publisher, cfg Config) *Service {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		connector:       connector,
		keys:            keys,
		funder:          funder,
		publisher:       publisher,
		amount:          new(big.Int).Set(cfg.Amount),
		finalityTimeout: cfg.FinalityTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Fund generates a new identity and funds it. It returns once the transfer is
// included in a block, or with the first error. A *domain.TransferError means
// the node rejected or dropped the transfer; any other error means the
// workflow failed before that point.
func (s *Service) Fund(ctx context.Context) (*domain.FundingResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "funding.Fund",
		trace.WithAttributes(attribute.String("node.endpoint", s.connector.Endpoint())),
	)
	defer span.End()

	result, err := s.fund(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(ctx, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("funding.address", result.Address),
		attribute.String("funding.block_hash", result.BlockHash),
	)
	span.SetStatus(codes.Ok, "")
	telemetry.FundingsTotal.WithLabelValues("success", "").Inc()
	return result, nil
}

func (s *Service) fund(ctx context.Context) (*domain.FundingResult, error) {
	slog.InfoContext(ctx, "connecting to node", "endpoint", s.connector.Endpoint())
	node, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageConnect, Err: err}
	}
	handedOff := false
	defer func() {
		if !handedOff {
			node.Close()
		}
	}()
	slog.InfoContext(ctx, "connected to node")

	if err := s.keys.Ready(); err != nil {
		return nil, &domain.StageError{Stage: domain.StageCrypto, Err: err}
	}

	identity, err := s.keys.NewIdentity()
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageIdentity, Err: err}
	}
	slog.InfoContext(ctx, "generated identity", "address", identity.Address)

	balance, err := node.FreeBalance(ctx, s.funder.PublicKey())
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageBalance, Err: err}
	}
	slog.InfoContext(ctx, "funder balance", "funder", s.funder.Address(), "free", balance.String())
	free, _ := new(big.Float).SetInt(balance).Float64()
	telemetry.FunderFreeBalance.Set(free)

	intent := domain.TransferIntent{
		Destination:    identity.Address,
		DestinationKey: identity.PublicKey,
		Amount:         new(big.Int).Set(s.amount),
	}
	slog.InfoContext(ctx, "submitting transfer", "from", s.funder.Address(), "to", intent.Destination, "amount", intent.Amount.String())

	submittedAt := time.Now()
	submission, err := node.SubmitTransfer(ctx, s.funder.Signer(), intent)
	if err != nil {
		return nil, &domain.StageError{Stage: domain.StageSubmit, Err: err}
	}
	slog.InfoContext(ctx, "transfer submitted", "tx_hash", submission.TxHash)

	for {
		select {
		case <-ctx.Done():
			return nil, &domain.StageError{Stage: domain.StageWatch, Err: ctx.Err()}
		case u, ok := <-submission.Updates:
			if !ok {
				return nil, &domain.StageError{Stage: domain.StageWatch, Err: domain.ErrWatchClosed}
			}
			logEvents(ctx, u.Events)

			switch {
			case u.Err != nil:
				return nil, &domain.StageError{Stage: domain.StageWatch, Err: u.Err}
			case u.DispatchError != nil:
				slog.ErrorContext(ctx, "dispatch error", "block_hash", u.BlockHash, "details", u.DispatchError.Details())
				return nil, &domain.TransferError{Status: u.Status, Dispatch: u.DispatchError}
			case u.Status == domain.TxStatusInBlock || u.Status == domain.TxStatusFinalized:
				slog.InfoContext(ctx, "transfer included", "status", u.Status, "block_hash", u.BlockHash)
				telemetry.InclusionDuration.Observe(time.Since(submittedAt).Seconds())

				s.publish(ctx, domain.AddressFunded{
					RequestID: telemetry.RequestIDFrom(ctx),
					Address:   identity.Address,
					BlockHash: u.BlockHash,
					TxHash:    submission.TxHash,
					Amount:    intent.Amount.String(),
				})
				if u.Status == domain.TxStatusFinalized {
					s.finalized(ctx, identity.Address, u.BlockHash)
				} else {
					handedOff = s.watchFinality(ctx, node, submission.Updates, identity.Address)
				}

				return &domain.FundingResult{
					Mnemonic:  identity.Mnemonic,
					Address:   identity.Address,
					Status:    domain.StatusSuccess,
					BlockHash: u.BlockHash,
				}, nil
			case u.Status.IsFailure():
				return nil, &domain.TransferError{Status: u.Status}
			default:
				slog.DebugContext(ctx, "transfer status", "status", u.Status)
			}
		}
	}
}

// watchFinality hands node to a background watcher that logs finalization
// and releases the session. It reports false when the service is stopping and
// the caller keeps ownership of node.
func (s *Service) watchFinality(ctx context.Context, node chain.Node, updates <-chan domain.TxUpdate, address string) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// keep request id and trace, drop the request deadline
	ctx = context.WithoutCancel(ctx)
	includedAt := time.Now()

	go func() {
		defer s.wg.Done()
		defer node.Close()

		ctx, span := telemetry.Tracer.Start(ctx, "funding.watchFinality",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("funding.address", address)),
		)
		defer span.End()

		timer := time.NewTimer(s.finalityTimeout)
		defer timer.Stop()

		for {
			select {
			case <-s.ctx.Done():
				slog.InfoContext(ctx, "finality watch stopped", "address", address)
				return
			case <-timer.C:
				slog.WarnContext(ctx, "finality not observed in time", "address", address, "timeout", s.finalityTimeout)
				span.SetStatus(codes.Error, "finality timeout")
				return
			case u, ok := <-updates:
				if !ok {
					slog.WarnContext(ctx, "transfer watch ended before finality", "address", address)
					return
				}
				logEvents(ctx, u.Events)

				switch {
				case u.Err != nil:
					slog.WarnContext(ctx, "transfer watch failed", "address", address, "error", u.Err)
					span.RecordError(u.Err)
					return
				case u.Status == domain.TxStatusFinalized:
					telemetry.FinalityDuration.Observe(time.Since(includedAt).Seconds())
					s.finalized(ctx, address, u.BlockHash)
					return
				case u.Status.IsFailure():
					slog.WarnContext(ctx, "transfer left the chain before finality", "address", address, "status", u.Status)
					return
				case u.Status == domain.TxStatusRetracted:
					slog.WarnContext(ctx, "including block retracted", "address", address, "block_hash", u.BlockHash)
				}
			}
		}
	}()
	return true
}

func (s *Service) finalized(ctx context.Context, address, blockHash string) {
	slog.InfoContext(ctx, "transfer finalized", "address", address, "block_hash", blockHash)
	s.publish(ctx, domain.TransferFinalized{
		RequestID: telemetry.RequestIDFrom(ctx),
		Address:   address,
		BlockHash: blockHash,
	})
}

func (s *Service) recordFailure(ctx context.Context, err error) {
	stage := domain.StageOf(err)
	outcome := "error"
	var transferErr *domain.TransferError
	if errors.As(err, &transferErr) {
		outcome = "transfer_failed"
	}
	telemetry.FundingsTotal.WithLabelValues(outcome, string(stage)).Inc()

	slog.ErrorContext(ctx, "error generating or funding address", "stage", stage, "error", err)
	s.publish(ctx, domain.FundingFailed{
		RequestID: telemetry.RequestIDFrom(ctx),
		Stage:     stage,
		Details:   err.Error(),
	})
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	if err := s.publisher.Publish(event); err != nil {
		slog.WarnContext(ctx, "publish event", "type", event.GetType(), "error", err)
	}
}

func logEvents(ctx context.Context, events []domain.EventRecord) {
	for _, e := range events {
		slog.InfoContext(ctx, "event", "record", e.String())
	}
}

// Stop ends all finality watchers and releases their sessions
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
	})
}
