package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	EventTypeAddressFunded     = "AddressFunded"
	EventTypeTransferFinalized = "TransferFinalized"
	EventTypeFundingFailed     = "FundingFailed"
)

// Event is the base interface for all funding events
type Event interface {
	GetType() string
	GetRequestID() string
}

// EventEnvelope wraps an event with metadata for serialization
type EventEnvelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AddressFunded is emitted once the funding transfer is included in a block.
// The mnemonic is deliberately absent.
type AddressFunded struct {
	RequestID string `json:"request_id"`
	Address   string `json:"address"`
	BlockHash string `json:"block_hash"`
	TxHash    string `json:"tx_hash"`
	Amount    string `json:"amount"`
}

func (e AddressFunded) GetType() string      { return EventTypeAddressFunded }
func (e AddressFunded) GetRequestID() string { return e.RequestID }

// TransferFinalized is emitted when the block carrying the transfer is finalized
type TransferFinalized struct {
	RequestID string `json:"request_id"`
	Address   string `json:"address"`
	BlockHash string `json:"block_hash"`
}

func (e TransferFinalized) GetType() string      { return EventTypeTransferFinalized }
func (e TransferFinalized) GetRequestID() string { return e.RequestID }

// FundingFailed is emitted when a request ends without a funded address
type FundingFailed struct {
	RequestID string `json:"request_id"`
	Stage     Stage  `json:"stage"`
	Details   string `json:"details"`
}

func (e FundingFailed) GetType() string      { return EventTypeFundingFailed }
func (e FundingFailed) GetRequestID() string { return e.RequestID }

// SerializeEvent converts an event to JSON bytes with envelope
func SerializeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	envelope := EventEnvelope{
		Type:      event.GetType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	return json.Marshal(envelope)
}

// DeserializeEvent converts JSON bytes back to an Event
func DeserializeEvent(data []byte) (Event, error) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var event Event
	switch envelope.Type {
	case EventTypeAddressFunded:
		var e AddressFunded
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeTransferFinalized:
		var e TransferFinalized
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	case EventTypeFundingFailed:
		var e FundingFailed
		if err := json.Unmarshal(envelope.Data, &e); err != nil {
			return nil, err
		}
		event = e
	default:
		return nil, fmt.Errorf("unknown event type: %s", envelope.Type)
	}

	return event, nil
}
