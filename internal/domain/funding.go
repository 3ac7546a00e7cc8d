package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Stage names the workflow step a request was in when it ended
type Stage string

const (
	StageConnect  Stage = "connect"
	StageCrypto   Stage = "crypto"
	StageIdentity Stage = "identity"
	StageBalance  Stage = "balance"
	StageSubmit   Stage = "submit"
	StageWatch    Stage = "watch"
)

// StatusSuccess is the only status value ever returned to a caller
const StatusSuccess = "success"

var (
	// ErrCryptoNotReady is returned when the keyring failed its startup self-check
	ErrCryptoNotReady = errors.New("crypto subsystem not ready")
	// ErrWatchClosed is returned when the status stream ends before the transfer is included
	ErrWatchClosed = errors.New("transaction watch closed before inclusion")
	// ErrOutcomeUnknown is returned when a block including the transfer could not be inspected
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")
)

// Identity is a freshly generated account. PublicKey is the raw sr25519 key;
// the private half never leaves the keyring.
type Identity struct {
	Mnemonic  string
	Address   string
	PublicKey []byte
}

// TransferIntent describes one balance transfer to submit
type TransferIntent struct {
	Destination    string
	DestinationKey []byte
	Amount         *big.Int
}

// TxStatus mirrors the transaction pool status of a watched extrinsic
type TxStatus string

const (
	TxStatusFuture          TxStatus = "future"
	TxStatusReady           TxStatus = "ready"
	TxStatusBroadcast       TxStatus = "broadcast"
	TxStatusInBlock         TxStatus = "inBlock"
	TxStatusRetracted       TxStatus = "retracted"
	TxStatusFinalityTimeout TxStatus = "finalityTimeout"
	TxStatusFinalized       TxStatus = "finalized"
	TxStatusUsurped         TxStatus = "usurped"
	TxStatusDropped         TxStatus = "dropped"
	TxStatusInvalid         TxStatus = "invalid"
)

// IsFailure reports statuses after which the transfer can no longer be included
func (s TxStatus) IsFailure() bool {
	switch s {
	case TxStatusFinalityTimeout, TxStatusUsurped, TxStatusDropped, TxStatusInvalid:
		return true
	}
	return false
}

// ModuleError is a pallet error resolved through runtime metadata
type ModuleError struct {
	PalletIndex uint8
	ErrorIndex  uint8
	Section     string
	Name        string
	Docs        []string
}

// DispatchError is an on-chain rejection. Module is set when the error could be
// resolved against metadata; Raw always carries a printable form.
type DispatchError struct {
	Module *ModuleError
	Raw    string
}

// Details renders the error the way it is reported to callers:
// "<section>.<name>: <docs>" for module errors, the raw form otherwise.
func (e *DispatchError) Details() string {
	if e == nil {
		return ""
	}
	if e.Module != nil {
		return fmt.Sprintf("%s.%s: %s", e.Module.Section, e.Module.Name, strings.Join(e.Module.Docs, " "))
	}
	return e.Raw
}

// EventRecord is a decoded runtime event kept for logging
type EventRecord struct {
	Phase   string
	Section string
	Method  string
	Data    string
}

func (r EventRecord) String() string {
	return fmt.Sprintf("%s: %s.%s:: %s", r.Phase, r.Section, r.Method, r.Data)
}

// TxUpdate is one status notification for a watched transfer
type TxUpdate struct {
	Status        TxStatus
	BlockHash     string
	DispatchError *DispatchError
	Events        []EventRecord
	Err           error
}

// Submission is a broadcast transfer and its status stream. Updates is closed
// when the watch ends.
type Submission struct {
	TxHash  string
	Updates <-chan TxUpdate
}

// FundingResult is the successful outcome of one request
type FundingResult struct {
	Mnemonic  string `json:"mnemonic"`
	Address   string `json:"address"`
	Status    string `json:"status"`
	BlockHash string `json:"blockHash"`
}

// TransferError reports that the node rejected or dropped the funding transfer
type TransferError struct {
	Status   TxStatus
	Dispatch *DispatchError
}

func (e *TransferError) Error() string {
	if e.Dispatch != nil {
		return e.Dispatch.Details()
	}
	return fmt.Sprintf("transaction %s", e.Status)
}

// StageError wraps a failure with the workflow stage it happened in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded on err, or StageWatch for transfer errors
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	var te *TransferError
	if errors.As(err, &te) {
		return StageWatch
	}
	return ""
}
