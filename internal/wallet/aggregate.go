package wallet

import (
	"sync"
	"time"

	"github.com/klingon-exchange/klingwallet/internal/chain"
)

// WalletKey identifies the state of one wallet on one network.
type WalletKey struct {
	WalletID string
	Network  chain.Network
}

func (k WalletKey) String() string {
	return k.WalletID + "/" + string(k.Network)
}

// IndexKey returns the address bucket of k for an address type.
func (k WalletKey) IndexKey(t chain.AddressType) IndexKey {
	return IndexKey{WalletID: k.WalletID, Network: k.Network, AddressType: t}
}

// Aggregate is the in-memory state of a (wallet, network). Balance is
// derived from Utxos and never persisted.
type Aggregate struct {
	mu sync.RWMutex

	key          WalletKey
	utxos        []Utxo
	transactions map[string]FormattedTransaction
	unconfirmed  map[string]int64
	boosted      map[string]Boost
	balance      int64
	tip          int64

	needsFullScan bool
	lastRefresh   time.Time
}

func newAggregate(key WalletKey) *Aggregate {
	return &Aggregate{
		key:           key,
		transactions:  make(map[string]FormattedTransaction),
		unconfirmed:   make(map[string]int64),
		boosted:       make(map[string]Boost),
		needsFullScan: true,
	}
}

// Snapshot is a read-only copy of an Aggregate.
type Snapshot struct {
	Key          WalletKey              `json:"-"`
	WalletID     string                 `json:"walletId"`
	Network      chain.Network          `json:"network"`
	Utxos        []Utxo                 `json:"utxos"`
	Transactions []FormattedTransaction `json:"transactions"`
	Unconfirmed  map[string]int64       `json:"unconfirmed"`
	Boosted      map[string]Boost       `json:"boosted"`
	Balance      int64                  `json:"balance"`
	Tip          int64                  `json:"tip"`
	LastRefresh  time.Time              `json:"lastRefresh"`
}

// Snapshot copies the aggregate.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Key:          a.key,
		WalletID:     a.key.WalletID,
		Network:      a.key.Network,
		Utxos:        append([]Utxo(nil), a.utxos...),
		Transactions: make([]FormattedTransaction, 0, len(a.transactions)),
		Unconfirmed:  make(map[string]int64, len(a.unconfirmed)),
		Boosted:      make(map[string]Boost, len(a.boosted)),
		Balance:      a.balance,
		Tip:          a.tip,
		LastRefresh:  a.lastRefresh,
	}
	for _, t := range a.transactions {
		s.Transactions = append(s.Transactions, t)
	}
	SortTransactions(s.Transactions)
	for k, v := range a.unconfirmed {
		s.Unconfirmed[k] = v
	}
	for k, v := range a.boosted {
		s.Boosted[k] = v
	}
	return s
}

// Balance returns the sum of the wallet's utxos.
func (a *Aggregate) Balance() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance
}

func (a *Aggregate) setUtxos(utxos []Utxo) {
	a.utxos = DedupeUtxos(utxos)
	a.balance = SumUtxos(a.utxos)
}

func (a *Aggregate) unconfirmedCopy() map[string]int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int64, len(a.unconfirmed))
	for k, v := range a.unconfirmed {
		out[k] = v
	}
	return out
}

func (a *Aggregate) transactionsCopy() map[string]FormattedTransaction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]FormattedTransaction, len(a.transactions))
	for k, v := range a.transactions {
		out[k] = v
	}
	return out
}
