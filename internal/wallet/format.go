package wallet

import (
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/klingon-exchange/klingwallet/internal/backend"
	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/storage"
)

// TxType is the direction of a wallet transaction.
type TxType string

const (
	TxSent     TxType = "sent"
	TxReceived TxType = "received"
)

// FormattedTransaction is a transaction as the wallet presents it.
// Timestamps are unix seconds.
type FormattedTransaction struct {
	TxID             string   `json:"txid"`
	Type             TxType   `json:"type"`
	Value            int64    `json:"value"`
	Fee              int64    `json:"fee"`
	Height           int64    `json:"height"`
	Timestamp        int64    `json:"timestamp"`
	ConfirmTimestamp int64    `json:"confirmTimestamp,omitempty"`
	Vin              []string `json:"vin"`
	Address          string   `json:"address"`
	Exists           bool     `json:"exists"`
	IsTransfer       bool     `json:"isTransfer"`
}

// Confirmations returns the number of confirmations at tip.
func (t FormattedTransaction) Confirmations(tip int64) int64 {
	if t.Height <= 0 || tip < t.Height {
		return 0
	}
	return tip - t.Height + 1
}

// WalletAddresses maps every wallet address to whether it is a change
// address.
type WalletAddresses map[string]bool

// Add records the addresses of a scan result.
func (w WalletAddresses) Add(res *ScanResult) {
	for _, a := range res.Addresses {
		if a.Address == "" {
			continue
		}
		p, err := chain.ParsePath(a.Path)
		if err != nil {
			continue
		}
		w[a.Address] = p.Change == 1
	}
}

// AddState records every address of an index bucket.
func (w WalletAddresses) AddState(st IndexState) {
	for _, a := range st.Addresses {
		w[a.Address] = false
	}
	for _, a := range st.ChangeAddresses {
		w[a.Address] = true
	}
}

// FormatTransactions classifies indexer transactions against the wallet's
// address set. A transaction spending any wallet output is sent and its
// value is what left the wallet; otherwise it is received and its value is
// what the wallet's addresses got. previous supplies first-seen timestamps
// and flags of transactions formatted before.
func FormatTransactions(txs map[string]*backend.Transaction, owned WalletAddresses, previous map[string]FormattedTransaction, clk clock.Clock) []FormattedTransaction {
	now := clk.Now().Unix()

	out := make([]FormattedTransaction, 0, len(txs))
	for txid, tx := range txs {
		if tx == nil {
			continue
		}
		f, ok := formatTransaction(tx, owned)
		if !ok {
			continue
		}
		f.TxID = txid
		f.Exists = true

		f.Timestamp = now
		if prev, ok := previous[txid]; ok {
			f.Timestamp = prev.Timestamp
			f.IsTransfer = prev.IsTransfer
		}
		if tx.Confirmed && tx.BlockTime > 0 {
			f.ConfirmTimestamp = tx.BlockTime
			if _, ok := previous[txid]; !ok {
				f.Timestamp = tx.BlockTime
			}
		}
		out = append(out, f)
	}

	SortTransactions(out)
	return out
}

func formatTransaction(tx *backend.Transaction, owned WalletAddresses) (FormattedTransaction, bool) {
	var (
		inOwned, inTotal  int64
		prevoutsKnown     = true
		outOwned, outExt  int64
		outTotal          int64
		extAddr, recvAddr string
		changeAddr        string
	)

	vin := make([]string, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		vin = append(vin, fmt.Sprintf("%s:%d", in.TxID, in.Vout))
		if in.PrevOut == nil {
			prevoutsKnown = false
			continue
		}
		inTotal += in.PrevOut.Value
		if _, ok := owned[in.PrevOut.Address]; ok {
			inOwned += in.PrevOut.Value
		}
	}

	for _, o := range tx.Outputs {
		outTotal += o.Value
		change, ok := owned[o.Address]
		switch {
		case !ok:
			outExt += o.Value
			if extAddr == "" {
				extAddr = o.Address
			}
		case change:
			outOwned += o.Value
			if changeAddr == "" {
				changeAddr = o.Address
			}
		default:
			outOwned += o.Value
			if recvAddr == "" {
				recvAddr = o.Address
			}
		}
	}

	if inOwned == 0 && outOwned == 0 {
		return FormattedTransaction{}, false
	}

	f := FormattedTransaction{Vin: vin, Fee: tx.Fee}
	if f.Fee == 0 && prevoutsKnown && inTotal > outTotal {
		f.Fee = inTotal - outTotal
	}
	if tx.Confirmed {
		f.Height = tx.BlockHeight
	}

	if inOwned > 0 {
		f.Type = TxSent
		f.Value = outExt
		f.Address = extAddr
		if outExt == 0 {
			// Payment to ourselves: the receive side is what was sent.
			f.Value = outOwned
			f.Address = recvAddr
			if f.Address == "" {
				f.Address = changeAddr
			}
		}
		return f, true
	}

	f.Type = TxReceived
	f.Value = outOwned
	f.Address = recvAddr
	if f.Address == "" {
		f.Address = changeAddr
	}
	return f, true
}

// SortTransactions orders newest first; at equal timestamps received
// sorts before sent.
func SortTransactions(txs []FormattedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Timestamp != txs[j].Timestamp {
			return txs[i].Timestamp > txs[j].Timestamp
		}
		if txs[i].Type != txs[j].Type {
			return txs[i].Type == TxReceived
		}
		return txs[i].TxID < txs[j].TxID
	})
}

func toTransactionRecord(t FormattedTransaction) storage.TransactionRecord {
	return storage.TransactionRecord{
		TxID:             t.TxID,
		Type:             string(t.Type),
		Value:            t.Value,
		Fee:              t.Fee,
		Height:           t.Height,
		Timestamp:        t.Timestamp,
		ConfirmTimestamp: t.ConfirmTimestamp,
		Address:          t.Address,
		Vin:              t.Vin,
		Exists:           t.Exists,
		IsTransfer:       t.IsTransfer,
	}
}

func fromTransactionRecord(r storage.TransactionRecord) FormattedTransaction {
	return FormattedTransaction{
		TxID:             r.TxID,
		Type:             TxType(r.Type),
		Value:            r.Value,
		Fee:              r.Fee,
		Height:           r.Height,
		Timestamp:        r.Timestamp,
		ConfirmTimestamp: r.ConfirmTimestamp,
		Address:          r.Address,
		Vin:              r.Vin,
		Exists:           r.Exists,
		IsTransfer:       r.IsTransfer,
	}
}
