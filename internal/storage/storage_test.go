package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "klingwallet-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "klingwallet-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, DBName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	tables := []string{
		"settings", "wallet_addresses", "wallet_address_index", "wallet_utxos",
		"wallet_transactions", "wallet_unconfirmed", "wallet_boosted",
		"activity_items", "activity_tags", "channel_orders",
	}
	for _, name := range tables {
		var got string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&got)
		if err != nil {
			t.Errorf("%s table not found: %v", name, err)
		}
	}
}

func TestSettings(t *testing.T) {
	store := newTestStorage(t)

	if _, ok, err := store.GetSetting("marker.connecting"); err != nil || ok {
		t.Fatalf("GetSetting() on empty = ok %v, err %v", ok, err)
	}

	if err := store.SetSetting("marker.connecting", "order-1"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := store.SetSetting("marker.connecting", "order-2"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}
	if err := store.SetSetting("other", "x"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}

	v, ok, err := store.GetSetting("marker.connecting")
	if err != nil || !ok || v != "order-2" {
		t.Errorf("GetSetting() = %q, %v, %v; want order-2", v, ok, err)
	}

	markers, err := store.ListSettings("marker.")
	if err != nil {
		t.Fatalf("ListSettings() error = %v", err)
	}
	if len(markers) != 1 {
		t.Errorf("ListSettings(marker.) returned %d entries, want 1", len(markers))
	}

	if err := store.DeleteSetting("marker.connecting"); err != nil {
		t.Fatalf("DeleteSetting() error = %v", err)
	}
	if _, ok, _ := store.GetSetting("marker.connecting"); ok {
		t.Error("setting still present after delete")
	}
}

func TestIndexStateRoundTrip(t *testing.T) {
	store := newTestStorage(t)

	empty, err := store.LoadIndexState("w1", "mainnet", "p2wpkh")
	if err != nil {
		t.Fatalf("LoadIndexState() error = %v", err)
	}
	if empty.Pointers != UnsetPointers() || len(empty.Addresses) != 0 {
		t.Fatalf("empty bucket = %+v, want unset", empty)
	}

	addrs := []AddressRecord{
		{Index: 0, Path: "m/84'/0'/0'/0/0", Address: "bc1a", ScriptHash: "aa", PublicKey: "02aa"},
		{Index: 1, Path: "m/84'/0'/0'/0/1", Address: "bc1b", ScriptHash: "bb", PublicKey: "02bb"},
		{Change: true, Index: 0, Path: "m/84'/0'/0'/1/0", Address: "bc1c", ScriptHash: "cc", PublicKey: "02cc"},
	}
	ptrs := IndexPointers{AddressIndex: 1, ChangeAddressIndex: 0, LastUsedAddressIndex: 0, LastUsedChangeAddressIndex: -1}
	if err := store.SaveIndexState("w1", "mainnet", "p2wpkh", addrs, ptrs); err != nil {
		t.Fatalf("SaveIndexState() error = %v", err)
	}

	// Replace index 1 with a re-derived address.
	fixed := []AddressRecord{{Index: 1, Path: "m/84'/0'/0'/0/1", Address: "bc1x", ScriptHash: "xx", PublicKey: "02xx"}}
	if err := store.SaveIndexState("w1", "mainnet", "p2wpkh", fixed, ptrs); err != nil {
		t.Fatalf("SaveIndexState() replace error = %v", err)
	}

	got, err := store.LoadIndexState("w1", "mainnet", "p2wpkh")
	if err != nil {
		t.Fatalf("LoadIndexState() error = %v", err)
	}
	if got.Pointers != ptrs {
		t.Errorf("Pointers = %+v, want %+v", got.Pointers, ptrs)
	}
	if len(got.Addresses) != 3 {
		t.Fatalf("got %d addresses, want 3", len(got.Addresses))
	}
	if got.Addresses[1].ScriptHash != "xx" {
		t.Errorf("address 1 script hash = %s, want xx", got.Addresses[1].ScriptHash)
	}
	if !got.Addresses[2].Change {
		t.Error("change flag lost")
	}

	// Other buckets are untouched.
	other, _ := store.LoadIndexState("w1", "testnet", "p2wpkh")
	if len(other.Addresses) != 0 {
		t.Error("testnet bucket should be empty")
	}

	if err := store.DeleteIndexState("w1", "mainnet", "p2wpkh"); err != nil {
		t.Fatalf("DeleteIndexState() error = %v", err)
	}
	got, _ = store.LoadIndexState("w1", "mainnet", "p2wpkh")
	if len(got.Addresses) != 0 || got.Pointers != UnsetPointers() {
		t.Error("bucket not cleared")
	}
}

func TestReplaceUtxosDedupes(t *testing.T) {
	store := newTestStorage(t)

	u := UtxoRecord{ScriptHash: "aa", TxHash: "t1", TxPos: 0, Value: 1000, Height: 10, Address: "bc1a", Path: "m/84'/0'/0'/0/0", AddressType: "p2wpkh"}
	if err := store.ReplaceUtxos("w1", "mainnet", []UtxoRecord{u, u}); err != nil {
		t.Fatalf("ReplaceUtxos() error = %v", err)
	}

	utxos, err := store.GetUtxos("w1", "mainnet")
	if err != nil {
		t.Fatalf("GetUtxos() error = %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}

	if err := store.ReplaceUtxos("w1", "mainnet", nil); err != nil {
		t.Fatalf("ReplaceUtxos(nil) error = %v", err)
	}
	utxos, _ = store.GetUtxos("w1", "mainnet")
	if len(utxos) != 0 {
		t.Errorf("got %d utxos after clear, want 0", len(utxos))
	}
}

func TestTransactionsAndUnconfirmed(t *testing.T) {
	store := newTestStorage(t)

	txs := []TransactionRecord{
		{TxID: "a", Type: "received", Value: 5000, Height: 0, Timestamp: 200, Vin: []string{"p:0"}, Exists: true},
		{TxID: "b", Type: "sent", Value: 1000, Fee: 141, Height: 100, Timestamp: 100, ConfirmTimestamp: 150, Exists: true},
	}
	if err := store.SaveTransactions("w1", "mainnet", txs); err != nil {
		t.Fatalf("SaveTransactions() error = %v", err)
	}
	if err := store.SetTransactionExists("w1", "mainnet", "a", false); err != nil {
		t.Fatalf("SetTransactionExists() error = %v", err)
	}

	got, err := store.ListTransactions("w1", "mainnet")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(got) != 2 || got[0].TxID != "a" {
		t.Fatalf("ListTransactions() = %+v", got)
	}
	if got[0].Exists {
		t.Error("tx a should be flagged as not existing")
	}
	if len(got[0].Vin) != 1 || got[0].Vin[0] != "p:0" {
		t.Errorf("vin = %v", got[0].Vin)
	}
	if got[1].ConfirmTimestamp != 150 {
		t.Errorf("confirm timestamp = %d, want 150", got[1].ConfirmTimestamp)
	}

	if err := store.ReplaceUnconfirmed("w1", "mainnet", []UnconfirmedRecord{{TxID: "a", Height: 0}}); err != nil {
		t.Fatalf("ReplaceUnconfirmed() error = %v", err)
	}
	unconf, _ := store.ListUnconfirmed("w1", "mainnet")
	if len(unconf) != 1 || unconf[0].TxID != "a" {
		t.Errorf("ListUnconfirmed() = %+v", unconf)
	}

	if err := store.SaveBoost("w1", "mainnet", &BoostRecord{ParentTxID: "a", ChildTxID: "c", Kind: "rbf", Fee: 300}); err != nil {
		t.Fatalf("SaveBoost() error = %v", err)
	}
	boosts, _ := store.ListBoosts("w1", "mainnet")
	if boosts["a"].ChildTxID != "c" {
		t.Errorf("boost of a = %+v", boosts["a"])
	}

	if err := store.ClearWalletNetwork("w1", "mainnet"); err != nil {
		t.Fatalf("ClearWalletNetwork() error = %v", err)
	}
	got, _ = store.ListTransactions("w1", "mainnet")
	if len(got) != 0 {
		t.Errorf("transactions left after clear: %d", len(got))
	}
}

func TestActivityPersistence(t *testing.T) {
	store := newTestStorage(t)

	items := []ActivityRecord{
		{ActivityType: "onchain", ID: "t1", TxType: "received", Value: 1000, Timestamp: 2000, Exists: true},
		{ActivityType: "lightning", ID: "h1", TxType: "sent", Value: 50, Timestamp: 1000, Exists: true, Message: "coffee"},
	}
	if err := store.UpsertActivity("w1", "mainnet", items); err != nil {
		t.Fatalf("UpsertActivity() error = %v", err)
	}
	if err := store.MarkActivityExists("w1", "mainnet", "onchain", []string{"t1"}, false); err != nil {
		t.Fatalf("MarkActivityExists() error = %v", err)
	}

	got, err := store.ListActivity("w1", "mainnet")
	if err != nil {
		t.Fatalf("ListActivity() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[0].ID != "t1" || got[0].Exists {
		t.Errorf("first item = %+v, want t1 flagged as not existing", got[0])
	}
	if got[1].Message != "coffee" {
		t.Errorf("message = %q", got[1].Message)
	}

	if err := store.AddTag("w1", "t1", "rent"); err != nil {
		t.Fatalf("AddTag() error = %v", err)
	}
	if err := store.AddTag("w1", "t1", "rent"); err != nil {
		t.Fatalf("AddTag() duplicate error = %v", err)
	}
	tags, _ := store.TagMap("w1")
	if len(tags["t1"]) != 1 {
		t.Errorf("tags = %v", tags)
	}
	if err := store.RemoveTag("w1", "t1", "rent"); err != nil {
		t.Fatalf("RemoveTag() error = %v", err)
	}
	tags, _ = store.TagMap("w1")
	if len(tags["t1"]) != 0 {
		t.Errorf("tag not removed: %v", tags)
	}
}

func TestChannelOrders(t *testing.T) {
	store := newTestStorage(t)

	missing, err := store.GetOrder("nope")
	if err != nil || missing != nil {
		t.Fatalf("GetOrder(missing) = %v, %v", missing, err)
	}

	o := &OrderRecord{ID: "o1", State: "created", PaymentState: "created", LSPNodeID: "03ab", Data: `{"id":"o1"}`}
	if err := store.SaveOrder(o); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	o.State = "paid"
	if err := store.SaveOrder(o); err != nil {
		t.Fatalf("SaveOrder() update error = %v", err)
	}
	if err := store.SaveOrder(&OrderRecord{ID: "o2", State: "open", Data: `{}`}); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	if err := store.SetOrderWatching("o1", true); err != nil {
		t.Fatalf("SetOrderWatching() error = %v", err)
	}

	got, err := store.GetOrder("o1")
	if err != nil || got == nil {
		t.Fatalf("GetOrder() = %v, %v", got, err)
	}
	if got.State != "paid" || !got.Watching || got.LSPNodeID != "03ab" {
		t.Errorf("GetOrder() = %+v", got)
	}

	open, err := store.ListOrders("open")
	if err != nil {
		t.Fatalf("ListOrders() error = %v", err)
	}
	if len(open) != 1 || open[0].ID != "o2" {
		t.Errorf("ListOrders(open) = %+v", open)
	}

	all, _ := store.ListOrders()
	if len(all) != 2 {
		t.Errorf("ListOrders() returned %d, want 2", len(all))
	}
}
