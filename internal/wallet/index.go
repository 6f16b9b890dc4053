package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/storage"
	"github.com/klingon-exchange/klingwallet/pkg/logging"
)

// IndexKey identifies one address bucket.
type IndexKey struct {
	WalletID    string
	Network     chain.Network
	AddressType chain.AddressType
}

func (k IndexKey) String() string {
	return k.WalletID + "/" + string(k.Network) + "/" + string(k.AddressType)
}

// IndexState is the address set and pointers of one bucket.
type IndexState struct {
	Addresses       map[int]Address `json:"addresses"`
	ChangeAddresses map[int]Address `json:"changeAddresses"`

	AddressIndex               Address `json:"addressIndex"`
	ChangeAddressIndex         Address `json:"changeAddressIndex"`
	LastUsedAddressIndex       Address `json:"lastUsedAddressIndex"`
	LastUsedChangeAddressIndex Address `json:"lastUsedChangeAddressIndex"`
}

func newIndexState() *IndexState {
	return &IndexState{
		Addresses:                  make(map[int]Address),
		ChangeAddresses:            make(map[int]Address),
		AddressIndex:               UnsetAddress(),
		ChangeAddressIndex:         UnsetAddress(),
		LastUsedAddressIndex:       UnsetAddress(),
		LastUsedChangeAddressIndex: UnsetAddress(),
	}
}

// clone returns a deep copy safe to hand to callers.
func (s *IndexState) clone() IndexState {
	c := *s
	c.Addresses = make(map[int]Address, len(s.Addresses))
	for k, v := range s.Addresses {
		c.Addresses[k] = v
	}
	c.ChangeAddresses = make(map[int]Address, len(s.ChangeAddresses))
	for k, v := range s.ChangeAddresses {
		c.ChangeAddresses[k] = v
	}
	return c
}

func (s *IndexState) branch(change bool) map[int]Address {
	if change {
		return s.ChangeAddresses
	}
	return s.Addresses
}

func (s *IndexState) pointers(change bool) (current, lastUsed *Address) {
	if change {
		return &s.ChangeAddressIndex, &s.LastUsedChangeAddressIndex
	}
	return &s.AddressIndex, &s.LastUsedAddressIndex
}

// highest returns the highest derived index on a branch, or -1.
func (s *IndexState) highest(change bool) int {
	h := -1
	for i := range s.branch(change) {
		if i > h {
			h = i
		}
	}
	return h
}

// Sorted returns the addresses of a branch ordered by index.
func (s IndexState) Sorted(change bool) []Address {
	m := s.Addresses
	if change {
		m = s.ChangeAddresses
	}
	out := make([]Address, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// DeriverSource resolves the deriver of an unlocked wallet.
type DeriverSource interface {
	Deriver(walletID string) (*Deriver, error)
}

// AddressIndex manages derived addresses and index pointers per
// (wallet, network, address type) with gap limit enforcement.
type AddressIndex struct {
	derivers DeriverSource
	store    *storage.Storage
	gapLimit int
	log      *logging.Logger

	locks *KeyedMutex

	mu     sync.RWMutex
	states map[IndexKey]*IndexState
}

// NewAddressIndex creates an address index. A gapLimit of 0 uses
// config.GapLimit.
func NewAddressIndex(derivers DeriverSource, store *storage.Storage, gapLimit int, log *logging.Logger) *AddressIndex {
	if gapLimit <= 0 {
		gapLimit = config.GapLimit
	}
	return &AddressIndex{
		derivers: derivers,
		store:    store,
		gapLimit: gapLimit,
		log:      logging.OrDefault(log, "index"),
		locks:    NewKeyedMutex(),
		states:   make(map[IndexKey]*IndexState),
	}
}

// GapLimit returns the configured gap limit.
func (x *AddressIndex) GapLimit() int {
	return x.gapLimit
}

// State returns a snapshot of a bucket.
func (x *AddressIndex) State(key IndexKey) (IndexState, error) {
	st, err := x.load(key)
	if err != nil {
		return IndexState{}, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return st.clone(), nil
}

// EnsureNextAvailable advances the receive (or change) pointer by one and
// returns the address it points to, deriving and persisting it if needed.
// When the next index would exceed lastUsed+gapLimit the pointer moves to
// lastUsed+1 instead.
func (x *AddressIndex) EnsureNextAvailable(ctx context.Context, key IndexKey, change bool) (Address, error) {
	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return Address{}, err
	}
	defer unlock()

	st, err := x.load(key)
	if err != nil {
		return Address{}, err
	}

	x.mu.RLock()
	cur, lastUsed := st.pointers(change)
	next := cur.Index + 1
	if next > lastUsed.Index+x.gapLimit {
		x.log.Debug("Gap limit reached, reusing first unused address",
			"key", key.String(), "change", change, "index", next, "last_used", lastUsed.Index)
		next = lastUsed.Index + 1
	}
	addr, ok := st.branch(change)[next]
	ptrs := toPointers(st)
	x.mu.RUnlock()

	var fresh []storage.AddressRecord
	if !ok {
		addr, err = x.derive(key, change, next)
		if err != nil {
			return Address{}, err
		}
		fresh = append(fresh, toAddressRecord(addr, change))
	}

	movePointer(&ptrs, change, false, next)
	if err := x.persist(key, fresh, ptrs); err != nil {
		return Address{}, err
	}

	x.mu.Lock()
	st.branch(change)[next] = addr
	cur, _ = st.pointers(change)
	*cur = addr
	x.mu.Unlock()
	return addr, nil
}

// Current returns the address the receive (or change) pointer is at,
// deriving index 0 for an empty bucket.
func (x *AddressIndex) Current(ctx context.Context, key IndexKey, change bool) (Address, error) {
	st, err := x.load(key)
	if err != nil {
		return Address{}, err
	}

	x.mu.RLock()
	cur, _ := st.pointers(change)
	addr := *cur
	x.mu.RUnlock()

	if addr.IsSet() {
		return addr, nil
	}
	return x.EnsureNextAvailable(ctx, key, change)
}

// MarkUsed records activity at index. lastUsed never moves backwards, and
// the pointer is moved past it so the used address is not handed out again.
func (x *AddressIndex) MarkUsed(ctx context.Context, key IndexKey, change bool, index int) error {
	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	st, err := x.load(key)
	if err != nil {
		return err
	}

	x.mu.RLock()
	cur, lastUsed := st.pointers(change)
	if index <= lastUsed.Index {
		x.mu.RUnlock()
		return nil
	}
	used, haveUsed := st.branch(change)[index]
	nextIndex := cur.Index
	if nextIndex <= index {
		nextIndex = index + 1
	}
	next, haveNext := st.branch(change)[nextIndex]
	ptrs := toPointers(st)
	x.mu.RUnlock()

	var fresh []storage.AddressRecord
	if !haveUsed {
		if used, err = x.derive(key, change, index); err != nil {
			return err
		}
		fresh = append(fresh, toAddressRecord(used, change))
	}
	if !haveNext {
		if next, err = x.derive(key, change, nextIndex); err != nil {
			return err
		}
		fresh = append(fresh, toAddressRecord(next, change))
	}

	movePointer(&ptrs, change, true, used.Index)
	movePointer(&ptrs, change, false, next.Index)
	if err := x.persist(key, fresh, ptrs); err != nil {
		return err
	}

	x.mu.Lock()
	branch := st.branch(change)
	branch[used.Index] = used
	branch[next.Index] = next
	cur, lastUsed = st.pointers(change)
	*lastUsed = used
	*cur = next
	x.mu.Unlock()
	return nil
}

// GenerateAddresses derives count more addresses past the highest derived
// index of a branch. Pointers are untouched.
func (x *AddressIndex) GenerateAddresses(ctx context.Context, key IndexKey, change bool, count int) ([]Address, error) {
	if count <= 0 {
		return nil, nil
	}

	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	return x.generateLocked(key, change, count)
}

// Lookahead makes sure a branch is derived up to
// max(pointer, lastUsed)+gapLimit and returns every address on it in
// index order. Scans use it to cover the gap window.
func (x *AddressIndex) Lookahead(ctx context.Context, key IndexKey, change bool) ([]Address, error) {
	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := x.load(key)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	cur, lastUsed := st.pointers(change)
	top := cur.Index
	if lastUsed.Index > top {
		top = lastUsed.Index
	}
	want := top + x.gapLimit
	missing := want - st.highest(change)
	x.mu.RUnlock()

	if missing > 0 {
		if _, err := x.generateLocked(key, change, missing); err != nil {
			return nil, err
		}
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	return st.clone().Sorted(change), nil
}

func (x *AddressIndex) generateLocked(key IndexKey, change bool, count int) ([]Address, error) {
	st, err := x.load(key)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	start := st.highest(change) + 1
	ptrs := toPointers(st)
	x.mu.RUnlock()

	d, err := x.derivers.Deriver(key.WalletID)
	if err != nil {
		return nil, err
	}
	addrs, err := d.Derive(DeriveRequest{
		Network:     key.Network,
		AddressType: key.AddressType,
		Change:      change,
		Start:       uint32(start),
		Count:       count,
	})
	if err != nil {
		return nil, err
	}

	records := make([]storage.AddressRecord, 0, len(addrs))
	for _, a := range addrs {
		records = append(records, toAddressRecord(a, change))
	}
	if err := x.persist(key, records, ptrs); err != nil {
		return nil, err
	}

	x.mu.Lock()
	for _, a := range addrs {
		st.branch(change)[a.Index] = a
	}
	x.mu.Unlock()
	return addrs, nil
}

// ReplaceImpacted swaps stored addresses whose script hash differs from the
// given freshly derived ones at the same path. Pointers keep their index and
// are refreshed to the new address objects. It returns the number of
// replaced entries; a non-zero count means wallet history must be rescanned
// from scratch.
func (x *AddressIndex) ReplaceImpacted(ctx context.Context, key IndexKey, addrs []Address) (int, error) {
	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return 0, err
	}
	defer unlock()

	st, err := x.load(key)
	if err != nil {
		return 0, err
	}

	type repl struct {
		addr   Address
		change bool
	}
	var pending []repl
	for _, a := range addrs {
		p, err := chain.ParsePath(a.Path)
		if err != nil {
			return 0, &DerivationError{Reason: "malformed path", Err: err}
		}
		if int(p.Index) != a.Index {
			return 0, errs.Validationf("wallet.ReplaceImpacted", "path %s does not match index %d", a.Path, a.Index)
		}
		pending = append(pending, repl{addr: a, change: p.Change == 1})
	}

	var (
		records  []storage.AddressRecord
		replaced []repl
	)
	x.mu.RLock()
	for _, r := range pending {
		old, ok := st.branch(r.change)[r.addr.Index]
		if ok && old.ScriptHash == r.addr.ScriptHash {
			continue
		}
		replaced = append(replaced, r)
		records = append(records, toAddressRecord(r.addr, r.change))
	}
	ptrs := toPointers(st)
	x.mu.RUnlock()

	if len(records) == 0 {
		return 0, nil
	}

	x.log.Warn("Replaced mismatched addresses", "key", key.String(), "count", len(records))
	if err := x.persist(key, records, ptrs); err != nil {
		return 0, err
	}

	x.mu.Lock()
	for _, r := range replaced {
		st.branch(r.change)[r.addr.Index] = r.addr
	}
	for _, change := range []bool{false, true} {
		cur, lastUsed := st.pointers(change)
		branch := st.branch(change)
		if a, ok := branch[cur.Index]; ok && cur.IsSet() {
			*cur = a
		}
		if a, ok := branch[lastUsed.Index]; ok && lastUsed.IsSet() {
			*lastUsed = a
		}
	}
	x.mu.Unlock()
	return len(records), nil
}

// Reset drops every address and sets all pointers back to -1.
func (x *AddressIndex) Reset(ctx context.Context, key IndexKey) error {
	unlock, err := x.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	if err := x.store.DeleteIndexState(key.WalletID, string(key.Network), string(key.AddressType)); err != nil {
		return fmt.Errorf("reset index %s: %w", key, err)
	}

	x.mu.Lock()
	x.states[key] = newIndexState()
	x.mu.Unlock()
	return nil
}

// Forget drops cached state of a wallet without touching storage. It waits
// for running operations on each bucket to finish.
func (x *AddressIndex) Forget(walletID string) {
	x.mu.RLock()
	var keys []IndexKey
	for k := range x.states {
		if k.WalletID == walletID {
			keys = append(keys, k)
		}
	}
	x.mu.RUnlock()

	for _, k := range keys {
		unlock, err := x.locks.Lock(context.Background(), k.String())
		if err != nil {
			continue
		}
		x.mu.Lock()
		delete(x.states, k)
		x.mu.Unlock()
		unlock()
	}
}

// Initialized reports whether a bucket has any derived address, in memory
// or in storage.
func (x *AddressIndex) Initialized(key IndexKey) bool {
	st, err := x.load(key)
	if err != nil {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(st.Addresses)+len(st.ChangeAddresses) > 0
}

// load returns the cached state of key, reading it from storage once.
func (x *AddressIndex) load(key IndexKey) (*IndexState, error) {
	x.mu.RLock()
	st, ok := x.states[key]
	x.mu.RUnlock()
	if ok {
		return st, nil
	}

	rec, err := x.store.LoadIndexState(key.WalletID, string(key.Network), string(key.AddressType))
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", key, err)
	}

	st = newIndexState()
	for _, r := range rec.Addresses {
		st.branch(r.Change)[r.Index] = fromAddressRecord(r)
	}
	resolve := func(change bool, idx int) Address {
		if a, ok := st.branch(change)[idx]; ok {
			return a
		}
		return UnsetAddress()
	}
	st.AddressIndex = resolve(false, rec.Pointers.AddressIndex)
	st.ChangeAddressIndex = resolve(true, rec.Pointers.ChangeAddressIndex)
	st.LastUsedAddressIndex = resolve(false, rec.Pointers.LastUsedAddressIndex)
	st.LastUsedChangeAddressIndex = resolve(true, rec.Pointers.LastUsedChangeAddressIndex)

	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.states[key]; ok {
		return existing, nil
	}
	x.states[key] = st
	return st, nil
}

func (x *AddressIndex) derive(key IndexKey, change bool, index int) (Address, error) {
	if index < 0 {
		return Address{}, errs.Validationf("wallet.derive", "negative index %d", index)
	}
	d, err := x.derivers.Deriver(key.WalletID)
	if err != nil {
		return Address{}, err
	}
	return d.DeriveOne(key.Network, key.AddressType, change, uint32(index))
}

func (x *AddressIndex) persist(key IndexKey, records []storage.AddressRecord, ptrs storage.IndexPointers) error {
	if err := x.store.SaveIndexState(key.WalletID, string(key.Network), string(key.AddressType), records, ptrs); err != nil {
		return fmt.Errorf("persist index %s: %w", key, err)
	}
	return nil
}

func toAddressRecord(a Address, change bool) storage.AddressRecord {
	return storage.AddressRecord{
		Change:     change,
		Index:      a.Index,
		Path:       a.Path,
		Address:    a.Address,
		ScriptHash: a.ScriptHash,
		PublicKey:  a.PublicKey,
	}
}

func fromAddressRecord(r storage.AddressRecord) Address {
	return Address{
		Index:      r.Index,
		Path:       r.Path,
		Address:    r.Address,
		ScriptHash: r.ScriptHash,
		PublicKey:  r.PublicKey,
	}
}

// movePointer sets the current (or last used) index of a branch.
func movePointer(p *storage.IndexPointers, change, lastUsed bool, index int) {
	switch {
	case change && lastUsed:
		p.LastUsedChangeAddressIndex = index
	case change:
		p.ChangeAddressIndex = index
	case lastUsed:
		p.LastUsedAddressIndex = index
	default:
		p.AddressIndex = index
	}
}

func toPointers(st *IndexState) storage.IndexPointers {
	return storage.IndexPointers{
		AddressIndex:               st.AddressIndex.Index,
		ChangeAddressIndex:         st.ChangeAddressIndex.Index,
		LastUsedAddressIndex:       st.LastUsedAddressIndex.Index,
		LastUsedChangeAddressIndex: st.LastUsedChangeAddressIndex.Index,
	}
}
