package chain

import (
	"encoding/json"
	"fmt"

	"github.com/artpar/dualdeploy/internal/core/domain"
)

// JSONEncoder encodes a unit as canonical JSON. Contract bytecode and ABI
// encoding are left to the receiving relayer.
type JSONEncoder struct{}

// NewJSONEncoder creates a JSONEncoder.
func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{}
}

type encodedUnit struct {
	Kind     domain.UnitKind `json:"kind"`
	Contract string          `json:"contract,omitempty"`
	Target   string          `json:"target,omitempty"`
	Method   string          `json:"method,omitempty"`
	Args     []any           `json:"args"`
}

// Encode implements Encoder.
func (e *JSONEncoder) Encode(unit domain.DeploymentUnit) ([]byte, error) {
	args := unit.Args
	if args == nil {
		args = []any{}
	}
	enc := encodedUnit{Kind: unit.Kind, Args: args}
	if unit.Kind == domain.KindCall {
		enc.Target = unit.Target
		enc.Method = unit.Method
	} else {
		enc.Contract = unit.ContractName()
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", unit.Name, err)
	}
	return data, nil
}

// EncodeBatch encodes every unit of a batch.
func EncodeBatch(enc Encoder, batch domain.Batch) (BatchPayload, error) {
	payload := BatchPayload{BatchID: batch.ID, Units: make([]UnitPayload, len(batch.Units))}
	for i, u := range batch.Units {
		data, err := enc.Encode(u)
		if err != nil {
			return BatchPayload{}, err
		}
		payload.Units[i] = UnitPayload{Name: u.Name, Kind: u.Kind, Data: data}
	}
	return payload, nil
}
