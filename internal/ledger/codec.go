package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"

	mtypes "github.com/web5fans/micro-pay/internal/types"
)

// Wire shapes follow the CKB JSON-RPC encoding: snake_case keys, 0x-prefixed hex numbers and bytes.

type JSONScript struct {
	CodeHash common.Hash          `json:"code_hash"`
	HashType types.ScriptHashType `json:"hash_type"`
	Args     hexutil.Bytes        `json:"args"`
}

type JSONOutPoint struct {
	TxHash common.Hash    `json:"tx_hash"`
	Index  hexutil.Uint64 `json:"index"`
}

type JSONCellDep struct {
	OutPoint JSONOutPoint  `json:"out_point"`
	DepType  types.DepType `json:"dep_type"`
}

type JSONCellInput struct {
	Since          hexutil.Uint64 `json:"since"`
	PreviousOutput JSONOutPoint   `json:"previous_output"`
}

type JSONCellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     JSONScript     `json:"lock"`
	Type     *JSONScript    `json:"type"`
}

type JSONTransaction struct {
	Version     hexutil.Uint64   `json:"version"`
	CellDeps    []JSONCellDep    `json:"cell_deps"`
	HeaderDeps  []common.Hash    `json:"header_deps"`
	Inputs      []JSONCellInput  `json:"inputs"`
	Outputs     []JSONCellOutput `json:"outputs"`
	OutputsData []hexutil.Bytes  `json:"outputs_data"`
	Witnesses   []hexutil.Bytes  `json:"witnesses"`
}

func ToJSONScript(s *types.Script) JSONScript {
	return JSONScript{
		CodeHash: common.Hash(s.CodeHash),
		HashType: s.HashType,
		Args:     s.Args,
	}
}

func (s *JSONScript) Script() *types.Script {
	args := []byte(s.Args)
	if args == nil {
		args = []byte{}
	}
	return &types.Script{
		CodeHash: types.Hash(s.CodeHash),
		HashType: s.HashType,
		Args:     args,
	}
}

func ToJSONOutPoint(o *types.OutPoint) JSONOutPoint {
	return JSONOutPoint{TxHash: common.Hash(o.TxHash), Index: hexutil.Uint64(o.Index)}
}

func (o *JSONOutPoint) OutPoint() *types.OutPoint {
	return &types.OutPoint{TxHash: types.Hash(o.TxHash), Index: uint32(o.Index)}
}

func ToJSONCellOutput(o *types.CellOutput) JSONCellOutput {
	out := JSONCellOutput{
		Capacity: hexutil.Uint64(o.Capacity),
		Lock:     ToJSONScript(o.Lock),
	}
	if o.Type != nil {
		t := ToJSONScript(o.Type)
		out.Type = &t
	}
	return out
}

func (o *JSONCellOutput) CellOutput() *types.CellOutput {
	out := &types.CellOutput{
		Capacity: uint64(o.Capacity),
		Lock:     o.Lock.Script(),
	}
	if o.Type != nil {
		out.Type = o.Type.Script()
	}
	return out
}

func ToJSONTransaction(tx *types.Transaction) *JSONTransaction {
	j := &JSONTransaction{
		Version:     hexutil.Uint64(tx.Version),
		CellDeps:    make([]JSONCellDep, 0, len(tx.CellDeps)),
		HeaderDeps:  make([]common.Hash, 0, len(tx.HeaderDeps)),
		Inputs:      make([]JSONCellInput, 0, len(tx.Inputs)),
		Outputs:     make([]JSONCellOutput, 0, len(tx.Outputs)),
		OutputsData: make([]hexutil.Bytes, 0, len(tx.OutputsData)),
		Witnesses:   make([]hexutil.Bytes, 0, len(tx.Witnesses)),
	}
	for _, d := range tx.CellDeps {
		j.CellDeps = append(j.CellDeps, JSONCellDep{OutPoint: ToJSONOutPoint(d.OutPoint), DepType: d.DepType})
	}
	for _, h := range tx.HeaderDeps {
		j.HeaderDeps = append(j.HeaderDeps, common.Hash(h))
	}
	for _, in := range tx.Inputs {
		j.Inputs = append(j.Inputs, JSONCellInput{
			Since:          hexutil.Uint64(in.Since),
			PreviousOutput: ToJSONOutPoint(in.PreviousOutput),
		})
	}
	for _, out := range tx.Outputs {
		j.Outputs = append(j.Outputs, ToJSONCellOutput(out))
	}
	for _, data := range tx.OutputsData {
		j.OutputsData = append(j.OutputsData, data)
	}
	for _, w := range tx.Witnesses {
		j.Witnesses = append(j.Witnesses, w)
	}
	return j
}

func (j *JSONTransaction) Transaction() *types.Transaction {
	tx := &types.Transaction{
		Version:     uint32(j.Version),
		CellDeps:    make([]*types.CellDep, 0, len(j.CellDeps)),
		HeaderDeps:  make([]types.Hash, 0, len(j.HeaderDeps)),
		Inputs:      make([]*types.CellInput, 0, len(j.Inputs)),
		Outputs:     make([]*types.CellOutput, 0, len(j.Outputs)),
		OutputsData: make([][]byte, 0, len(j.OutputsData)),
		Witnesses:   make([][]byte, 0, len(j.Witnesses)),
	}
	for i := range j.CellDeps {
		tx.CellDeps = append(tx.CellDeps, &types.CellDep{
			OutPoint: j.CellDeps[i].OutPoint.OutPoint(),
			DepType:  j.CellDeps[i].DepType,
		})
	}
	for _, h := range j.HeaderDeps {
		tx.HeaderDeps = append(tx.HeaderDeps, types.Hash(h))
	}
	for i := range j.Inputs {
		tx.Inputs = append(tx.Inputs, &types.CellInput{
			Since:          uint64(j.Inputs[i].Since),
			PreviousOutput: j.Inputs[i].PreviousOutput.OutPoint(),
		})
	}
	for i := range j.Outputs {
		tx.Outputs = append(tx.Outputs, j.Outputs[i].CellOutput())
	}
	for _, data := range j.OutputsData {
		tx.OutputsData = append(tx.OutputsData, nonNil(data))
	}
	for _, w := range j.Witnesses {
		tx.Witnesses = append(tx.Witnesses, nonNil(w))
	}
	return tx
}

// EncodeTx renders tx as the JSON handed to the sender for signing.
func EncodeTx(tx *types.Transaction) (string, error) {
	b, err := json.Marshal(ToJSONTransaction(tx))
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return string(b), nil
}

// DecodeTx parses a transaction produced by EncodeTx, possibly with witnesses filled in.
// Every error matches ErrValidation.
func DecodeTx(raw string) (*types.Transaction, error) {
	var j JSONTransaction
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, mtypes.Validationf("failed to decode transaction: %v", err)
	}
	if len(j.Inputs) == 0 || len(j.Outputs) == 0 {
		return nil, mtypes.Validationf("failed to decode transaction: missing inputs or outputs")
	}
	if len(j.Outputs) != len(j.OutputsData) {
		return nil, mtypes.Validationf("failed to decode transaction: %d outputs but %d outputs_data", len(j.Outputs), len(j.OutputsData))
	}
	if err := j.checkEnums(); err != nil {
		return nil, err
	}
	return j.Transaction(), nil
}

// checkEnums rejects hash and dep types the molecule serializer cannot pack.
func (j *JSONTransaction) checkEnums() error {
	for i, d := range j.CellDeps {
		switch d.DepType {
		case types.DepTypeCode, types.DepTypeDepGroup:
		default:
			return mtypes.Validationf("cell dep %d: unknown dep_type %q", i, d.DepType)
		}
	}
	for i := range j.Outputs {
		if err := checkHashType(j.Outputs[i].Lock.HashType); err != nil {
			return fmt.Errorf("output %d lock: %w", i, err)
		}
		if t := j.Outputs[i].Type; t != nil {
			if err := checkHashType(t.HashType); err != nil {
				return fmt.Errorf("output %d type: %w", i, err)
			}
		}
	}
	return nil
}

func checkHashType(t types.ScriptHashType) error {
	switch t {
	case types.HashTypeData, types.HashTypeType, types.HashTypeData1:
		return nil
	}
	return mtypes.Validationf("unknown hash_type %q", t)
}

// HashHex is the 0x-prefixed hex form used in the store and on the wire.
func HashHex(h types.Hash) string {
	return hexutil.Encode(h[:])
}

func ParseHash(s string) (types.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return types.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(types.Hash{}) {
		return types.Hash{}, fmt.Errorf("invalid hash %q: want 32 bytes, got %d", s, len(b))
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
