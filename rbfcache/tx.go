// Copyright (c) 2025-2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rbfcache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

// MempoolTx is a full transaction record as delivered by the mempool
// ingestion pipeline.  The cache owns these records for as long as the
// transaction is part of a tracked replacement lineage, which may be long
// after the transaction itself has left the observed mempool.
type MempoolTx struct {
	// Tx is the underlying transaction.
	Tx *btcutil.Tx

	// FirstSeen is the time the ingestion pipeline first observed the
	// transaction.  A zero value means the time was not recorded, in which
	// case the cache falls back to the time the replacement was reported.
	FirstSeen time.Time

	// Fee is the absolute fee paid by the transaction.
	Fee btcutil.Amount
}

// Txid returns the transaction id of the wrapped transaction.
func (m *MempoolTx) Txid() chainhash.Hash {
	return *m.Tx.Hash()
}

// signalsRBF returns whether any input of the transaction signals BIP 125
// replaceability, i.e. carries a sequence number below the final sequence
// minus one.
func (m *MempoolTx) signalsRBF() bool {
	for _, txIn := range m.Tx.MsgTx().TxIn {
		if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// mempoolTxJSON is the serialized form of a MempoolTx.  The raw transaction
// is carried as a hex-encoded wire serialization, the same encoding the
// getrawtransaction RPC uses.
type mempoolTxJSON struct {
	Txid      string `json:"txid"`
	Hex       string `json:"hex"`
	FirstSeen int64  `json:"firstSeen"`
	Fee       int64  `json:"fee"`
}

// MarshalJSON implements the json.Marshaler interface.
func (m *MempoolTx) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(m.Tx.MsgTx().SerializeSize())
	if err := m.Tx.MsgTx().Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "serialize mempool tx")
	}

	var firstSeen int64
	if !m.FirstSeen.IsZero() {
		firstSeen = m.FirstSeen.Unix()
	}

	return json.Marshal(&mempoolTxJSON{
		Txid:      m.Tx.Hash().String(),
		Hex:       hex.EncodeToString(buf.Bytes()),
		FirstSeen: firstSeen,
		Fee:       int64(m.Fee),
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (m *MempoolTx) UnmarshalJSON(data []byte) error {
	var aux mempoolTxJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	serialized, err := hex.DecodeString(aux.Hex)
	if err != nil {
		return errors.Wrap(err, "decode mempool tx hex")
	}
	tx, err := btcutil.NewTxFromBytes(serialized)
	if err != nil {
		return errors.Wrap(err, "deserialize mempool tx")
	}

	m.Tx = tx
	m.Fee = btcutil.Amount(aux.Fee)
	m.FirstSeen = time.Time{}
	if aux.FirstSeen != 0 {
		m.FirstSeen = time.Unix(aux.FirstSeen, 0)
	}
	return nil
}

// StrippedTransaction is the compact per-transaction summary embedded in
// every replacement tree node.  It is immutable once created except for the
// Mined flag, which is flipped when the transaction confirms.
type StrippedTransaction struct {
	// Txid is the transaction id.
	Txid chainhash.Hash

	// Fee is the absolute fee paid by the transaction.
	Fee btcutil.Amount

	// VSize is the virtual size of the transaction in vbytes.
	VSize int64

	// Value is the sum of all output values.
	Value btcutil.Amount

	// Rate is the fee rate in satoshis per vbyte.
	Rate float64

	// RBF is whether the transaction itself signals BIP 125
	// replaceability.
	RBF bool

	// Mined is whether the transaction has confirmed.
	Mined bool
}

// strippedTxJSON mirrors StrippedTransaction with a hex-encoded txid for
// serialization.
type strippedTxJSON struct {
	Txid  string  `json:"txid"`
	Fee   int64   `json:"fee"`
	VSize int64   `json:"vsize"`
	Value int64   `json:"value"`
	Rate  float64 `json:"rate"`
	RBF   bool    `json:"rbf"`
	Mined bool    `json:"mined"`
}

// MarshalJSON implements the json.Marshaler interface.
func (s *StrippedTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(&strippedTxJSON{
		Txid:  s.Txid.String(),
		Fee:   int64(s.Fee),
		VSize: s.VSize,
		Value: int64(s.Value),
		Rate:  s.Rate,
		RBF:   s.RBF,
		Mined: s.Mined,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *StrippedTransaction) UnmarshalJSON(data []byte) error {
	var aux strippedTxJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	txid, err := chainhash.NewHashFromStr(aux.Txid)
	if err != nil {
		return errors.Wrap(err, "decode stripped txid")
	}

	s.Txid = *txid
	s.Fee = btcutil.Amount(aux.Fee)
	s.VSize = aux.VSize
	s.Value = btcutil.Amount(aux.Value)
	s.Rate = aux.Rate
	s.RBF = aux.RBF
	s.Mined = aux.Mined
	return nil
}

// txVirtualSize returns the virtual size of a transaction in vbytes, defined
// by BIP 141 as ceil(weight / 4) where weight counts the witness-stripped
// serialization three extra times.
func txVirtualSize(tx *btcutil.Tx) int64 {
	msgTx := tx.MsgTx()
	baseSize := int64(msgTx.SerializeSizeStripped())
	totalSize := int64(msgTx.SerializeSize())
	weight := baseSize*3 + totalSize
	return (weight + 3) / 4
}

// stripTx produces the stripped summary of a mempool transaction.
func stripTx(m *MempoolTx) *StrippedTransaction {
	var value btcutil.Amount
	for _, txOut := range m.Tx.MsgTx().TxOut {
		value += btcutil.Amount(txOut.Value)
	}

	vsize := txVirtualSize(m.Tx)
	var rate float64
	if vsize > 0 {
		rate = float64(m.Fee) / float64(vsize)
	}

	return &StrippedTransaction{
		Txid:  m.Txid(),
		Fee:   m.Fee,
		VSize: vsize,
		Value: value,
		Rate:  rate,
		RBF:   m.signalsRBF(),
	}
}
