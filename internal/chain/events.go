package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
)

const extrinsicFailedEvent = "System.ExtrinsicFailed"

// blockFetcher is the part of the chain RPC the inspector needs
type blockFetcher interface {
	GetBlock(blockHash types.Hash) (*types.SignedBlock, error)
}

type rpcInspector struct {
	blocks blockFetcher
	events retriever.EventRetriever
	errors *errorTable
}

// Inspect locates the extrinsic in the block and returns the events it
// emitted plus its dispatch error, if any.
func (i *rpcInspector) Inspect(blockHash types.Hash, encodedExt string) ([]domain.EventRecord, *domain.DispatchError, error) {
	index, err := i.extrinsicIndex(blockHash, encodedExt)
	if err != nil {
		return nil, nil, err
	}
	events, err := i.events.GetEvents(blockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("read events: %w", err)
	}
	records, dispatchErr := outcome(events, index, i.errors)
	return records, dispatchErr, nil
}

func (i *rpcInspector) extrinsicIndex(blockHash types.Hash, encodedExt string) (uint32, error) {
	block, err := i.blocks.GetBlock(blockHash)
	if err != nil {
		return 0, fmt.Errorf("fetch block: %w", err)
	}
	for idx, ext := range block.Block.Extrinsics {
		h, err := codec.EncodeToHex(ext)
		if err != nil {
			continue
		}
		if h == encodedExt {
			return uint32(idx), nil
		}
	}
	return 0, fmt.Errorf("extrinsic not found in block %s", blockHash.Hex())
}

// outcome keeps the events emitted while applying extrinsic index and
// resolves its System.ExtrinsicFailed event, if there is one.
func outcome(events []*parser.Event, index uint32, errs *errorTable) ([]domain.EventRecord, *domain.DispatchError) {
	var (
		records     []domain.EventRecord
		dispatchErr *domain.DispatchError
	)
	for _, ev := range events {
		if ev == nil || ev.Phase == nil || !ev.Phase.IsApplyExtrinsic || ev.Phase.AsApplyExtrinsic != index {
			continue
		}
		section, method, _ := strings.Cut(ev.Name, ".")
		records = append(records, domain.EventRecord{
			Phase:   formatPhase(*ev.Phase),
			Section: lowerFirst(section),
			Method:  method,
			Data:    formatFields(ev.Fields),
		})
		if ev.Name == extrinsicFailedEvent && dispatchErr == nil {
			dispatchErr = errs.resolve(dispatchErrorValue(ev.Fields))
		}
	}
	return records, dispatchErr
}

// dispatchErrorValue returns the dispatch_error field, which leads the
// ExtrinsicFailed fields on every runtime.
func dispatchErrorValue(fields registry.DecodedFields) any {
	for _, f := range fields {
		if f != nil && fieldName(f.Name) == "dispatch_error" {
			return f.Value
		}
	}
	if len(fields) > 0 && fields[0] != nil {
		return fields[0].Value
	}
	return nil
}

func formatPhase(p types.Phase) string {
	switch {
	case p.IsApplyExtrinsic:
		return fmt.Sprintf("{\"applyExtrinsic\":%d}", p.AsApplyExtrinsic)
	case p.IsFinalization:
		return "Finalization"
	case p.IsInitialization:
		return "Initialization"
	}
	return "Unknown"
}

func formatFields(fields registry.DecodedFields) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}
		parts = append(parts, formatValue(f.Value))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// formatValue renders a registry-decoded value. Byte arrays such as account
// ids print as hex.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case registry.DecodedFields:
		if len(v) == 1 && v[0] != nil {
			return formatValue(v[0].Value)
		}
		parts := make([]string, 0, len(v))
		for _, f := range v {
			if f == nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s:%s", fieldName(f.Name), formatValue(f.Value)))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []any:
		if raw, ok := bytesOf(v); ok {
			return "0x" + hex.EncodeToString(raw)
		}
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, formatValue(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case types.U128:
		if v.Int == nil {
			return "0"
		}
		return v.String()
	case types.UCompact:
		n := big.Int(v)
		return n.String()
	}
	return fmt.Sprint(value)
}

func bytesOf(items []any) ([]byte, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]byte, 0, len(items))
	for _, item := range items {
		b, ok := item.(types.U8)
		if !ok {
			return nil, false
		}
		out = append(out, byte(b))
	}
	return out, true
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
