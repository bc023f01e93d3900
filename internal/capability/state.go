package capability

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// State values are kept as canonical CBOR. Canonical encoding sorts map keys
// and picks the shortest form for every value, so two snapshots are
// structurally equal exactly when their encodings are byte-equal.
var (
	stateEnc cbor.EncMode
	stateDec cbor.DecMode
)

func init() {
	var err error
	stateEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("capability: state encoder: %v", err))
	}
	stateDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capability: state decoder: %v", err))
	}
}

// EncodeState returns the canonical encoding of a state snapshot.
func EncodeState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	return stateEnc.Marshal(state)
}

// DecodeState decodes a snapshot. Empty input is an empty state.
func DecodeState(data []byte) (map[string]any, error) {
	state := map[string]any{}
	if len(data) == 0 {
		return state, nil
	}
	if err := stateDec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Canonical re-encodes a stored snapshot so it can be compared byte-wise with
// what a run returns. Empty input yields the encoding of an empty state.
func Canonical(data []byte) ([]byte, error) {
	state, err := DecodeState(data)
	if err != nil {
		return nil, err
	}
	return EncodeState(state)
}

// clone deep-copies v by round-tripping it through the state encoding. The
// copy only contains plain values: map[string]any, []any, strings, int64,
// float64, bool, []byte and nil.
func clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := stateEnc.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := stateDec.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
