// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"encoding/json"
)

// codecName is the content subtype announced to the contract gateway.
const codecName = "json"

// jsonCodec is a gRPC codec that carries plain JSON messages.  The contract
// gateway only exposes two generic methods so there is no protobuf schema.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// Gateway method names.
const (
	MethodQuery = "/contract.Contract/Query"
	MethodTx    = "/contract.Contract/Tx"
)

// Request is the payload of both gateway methods.
type Request struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
	Signer string        `json:"signer,omitempty"`
}

// QueryReply carries the contract's answer to a query.
type QueryReply struct {
	Result json.RawMessage `json:"result"`
}

// TxReply carries the hashes of a submitted transaction.
type TxReply struct {
	TxHash    string `json:"txHash"`
	BlockHash string `json:"blockHash"`
}
