package chain

import (
	"fmt"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
)

// unknownDispatchError is reported when the error matches no known variant
const unknownDispatchError = "Unknown error"

type moduleKey struct {
	pallet uint8
	err    uint8
}

// payloadVariant is a DispatchError variant carrying a nested enum, such as
// Token(TokenError).
type payloadVariant struct {
	name   string
	nested map[byte]string
}

// errorTable resolves dispatch errors for one runtime version: pallet errors
// by (pallet index, error index), other variants by the DispatchError layout.
type errorTable struct {
	modules map[moduleKey]domain.ModuleError

	variants   map[byte]string
	payloads   map[int64]payloadVariant
	moduleType int64
}

func newErrorTable() *errorTable {
	return &errorTable{
		modules:    map[moduleKey]domain.ModuleError{},
		variants:   map[byte]string{},
		payloads:   map[int64]payloadVariant{},
		moduleType: -1,
	}
}

// buildErrorTable reads pallet errors through the registry and the
// DispatchError layout from the metadata type lookup.
func buildErrorTable(meta *types.Metadata) (*errorTable, error) {
	table := newErrorTable()
	if meta == nil || meta.Version < 14 {
		return table, nil
	}

	errs, err := registry.NewFactory().CreateErrorRegistry(meta)
	if err != nil {
		return table, fmt.Errorf("error registry: %w", err)
	}
	docs := errorDocs(meta)
	for id, decoder := range errs {
		pallet, name, ok := strings.Cut(decoder.Name, ".")
		if !ok {
			continue
		}
		key := moduleKey{pallet: uint8(id.ModuleIndex), err: uint8(id.ErrorIndex[0])}
		table.add(key.pallet, key.err, lowerFirst(pallet), name, docs[key])
	}

	table.loadDispatchLayout(meta)
	return table, nil
}

func errorDocs(meta *types.Metadata) map[moduleKey][]string {
	v14 := meta.AsMetadataV14
	out := map[moduleKey][]string{}
	for _, pallet := range v14.Pallets {
		if !pallet.HasErrors {
			continue
		}
		typ, ok := v14.EfficientLookup[pallet.Errors.Type.Int64()]
		if !ok || !typ.Def.IsVariant {
			continue
		}
		for _, variant := range typ.Def.Variant.Variants {
			docs := make([]string, 0, len(variant.Docs))
			for _, d := range variant.Docs {
				docs = append(docs, strings.TrimSpace(string(d)))
			}
			out[moduleKey{pallet: uint8(pallet.Index), err: uint8(variant.Index)}] = docs
		}
	}
	return out
}

func (t *errorTable) loadDispatchLayout(meta *types.Metadata) {
	v14 := meta.AsMetadataV14
	for _, portable := range v14.Lookup.Types {
		if !pathIs(portable.Type.Path, "sp_runtime", "DispatchError") || !portable.Type.Def.IsVariant {
			continue
		}
		for _, variant := range portable.Type.Def.Variant.Variants {
			name := string(variant.Name)
			t.variants[byte(variant.Index)] = name
			if len(variant.Fields) != 1 {
				continue
			}
			payloadType := variant.Fields[0].Type.Int64()
			if name == "Module" {
				t.moduleType = payloadType
				continue
			}
			p := payloadVariant{name: name, nested: map[byte]string{}}
			if inner, ok := v14.EfficientLookup[payloadType]; ok && inner.Def.IsVariant {
				for _, v := range inner.Def.Variant.Variants {
					p.nested[byte(v.Index)] = string(v.Name)
				}
			}
			t.payloads[payloadType] = p
		}
		return
	}
}

func pathIs(path types.Si1Path, want ...string) bool {
	if len(path) != len(want) {
		return false
	}
	for i := range want {
		if string(path[i]) != want[i] {
			return false
		}
	}
	return true
}

func (t *errorTable) add(pallet, errIndex uint8, section, name string, docs []string) {
	t.modules[moduleKey{pallet: pallet, err: errIndex}] = domain.ModuleError{
		PalletIndex: pallet,
		ErrorIndex:  errIndex,
		Section:     section,
		Name:        name,
		Docs:        docs,
	}
}

// resolve turns a registry-decoded DispatchError into its domain form.
// Field-less variants decode to their variant byte; variants with a payload
// decode to a single field whose lookup index identifies the variant.
func (t *errorTable) resolve(value any) *domain.DispatchError {
	switch v := value.(type) {
	case byte:
		if name, ok := t.variants[v]; ok {
			return &domain.DispatchError{Raw: name}
		}
	case registry.DecodedFields:
		if len(v) == 0 || v[0] == nil {
			break
		}
		payload := v[0]
		if payload.LookupIndex == t.moduleType {
			pallet, errIndex, ok := moduleIndices(payload.Value)
			if !ok {
				return &domain.DispatchError{Raw: "Module"}
			}
			return t.resolveModule(pallet, errIndex)
		}
		p, ok := t.payloads[payload.LookupIndex]
		if !ok {
			break
		}
		if b, ok := payload.Value.(byte); ok {
			if nested, ok := p.nested[b]; ok {
				return &domain.DispatchError{Raw: p.name + ": " + nested}
			}
		}
		return &domain.DispatchError{Raw: p.name}
	}
	return &domain.DispatchError{Raw: unknownDispatchError}
}

func (t *errorTable) resolveModule(pallet, errIndex uint8) *domain.DispatchError {
	raw := fmt.Sprintf("{\"module\":{\"index\":%d,\"error\":%d}}", pallet, errIndex)
	m, ok := t.modules[moduleKey{pallet: pallet, err: errIndex}]
	if !ok {
		return &domain.DispatchError{Raw: raw}
	}
	return &domain.DispatchError{Module: &m, Raw: raw}
}

// moduleIndices reads ModuleError {index, error}. Older runtimes encode the
// error as a single u8, newer ones as [u8; 4] whose first byte is the index.
func moduleIndices(value any) (uint8, uint8, bool) {
	fields, ok := value.(registry.DecodedFields)
	if !ok {
		return 0, 0, false
	}
	var (
		pallet, errIndex uint8
		havePallet, have bool
	)
	for _, f := range fields {
		if f == nil {
			continue
		}
		switch fieldName(f.Name) {
		case "index":
			pallet, havePallet = firstByte(f.Value)
		case "error":
			errIndex, have = firstByte(f.Value)
		}
	}
	return pallet, errIndex, havePallet && have
}

func firstByte(value any) (uint8, bool) {
	switch v := value.(type) {
	case types.U8:
		return uint8(v), true
	case byte:
		return v, true
	case []any:
		if len(v) > 0 {
			return firstByte(v[0])
		}
	}
	return 0, false
}

// fieldName drops the type path the registry prefixes to field names
func fieldName(full string) string {
	if i := strings.LastIndex(full, "."); i >= 0 {
		return full[i+1:]
	}
	return full
}
