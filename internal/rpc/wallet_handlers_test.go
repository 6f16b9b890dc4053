package rpc

import (
	"math"
	"testing"

	"github.com/klingon-exchange/klingwallet/internal/balance"
	"github.com/klingon-exchange/klingwallet/internal/lightning"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
)

func createWallet(t *testing.T, s *Server, id string) {
	t.Helper()
	var st WalletStatusResult
	result(t, call(t, s, "wallet_create", WalletCreateParams{
		WalletID: id,
		Mnemonic: testMnemonic,
		Password: testPassword,
	}), &st)
	if !st.Unlocked || !st.HasWallet {
		t.Fatalf("status after create = %+v", st)
	}
}

func TestWalletGenerate(t *testing.T) {
	s := newTestServer(t, nil)

	var gen WalletGenerateResult
	result(t, call(t, s, "wallet_generate", nil), &gen)
	if !wallet.ValidateMnemonic(gen.Mnemonic) {
		t.Errorf("generated mnemonic is invalid: %q", gen.Mnemonic)
	}

	var valid map[string]bool
	result(t, call(t, s, "wallet_validateMnemonic", map[string]string{"mnemonic": "abandon abandon"}), &valid)
	if valid["valid"] {
		t.Error("two words should not validate")
	}
}

func TestWalletLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	createWallet(t, s, "main")

	resp := call(t, s, "wallet_create", WalletCreateParams{WalletID: "main", Mnemonic: testMnemonic, Password: testPassword})
	if resp.Error == nil || resp.Error.Code != StateConflictError {
		t.Errorf("duplicate create: Error = %+v, want code %d", resp.Error, StateConflictError)
	}

	var st WalletStatusResult
	result(t, call(t, s, "wallet_lock", WalletIDParams{WalletID: "main"}), &st)
	if st.Unlocked {
		t.Error("wallet should be locked")
	}

	resp = call(t, s, "wallet_getAddress", WalletIDParams{WalletID: "main"})
	if resp.Error == nil {
		t.Error("locked wallet should not hand out addresses")
	}

	resp = call(t, s, "wallet_unlock", WalletUnlockParams{WalletID: "main", Password: "Wrong-Horse-42"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("wrong password: Error = %+v, want code %d", resp.Error, InvalidParams)
	}

	result(t, call(t, s, "wallet_unlock", WalletUnlockParams{WalletID: "main", Password: testPassword}), &st)
	if !st.Unlocked {
		t.Error("wallet should be unlocked")
	}
	if st.AddressType != "p2wpkh" {
		t.Errorf("AddressType = %s, want p2wpkh", st.AddressType)
	}

	var list WalletListResult
	result(t, call(t, s, "wallet_list", nil), &list)
	if len(list.Wallets) != 1 || list.Wallets[0].WalletID != "main" {
		t.Errorf("wallets = %+v, want [main]", list.Wallets)
	}
}

func TestWalletCreateValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		params WalletCreateParams
	}{
		{"bad id", WalletCreateParams{WalletID: "a/b", Mnemonic: testMnemonic, Password: testPassword}},
		{"weak password", WalletCreateParams{WalletID: "main", Mnemonic: testMnemonic, Password: "short"}},
		{"missing mnemonic", WalletCreateParams{WalletID: "main", Password: testPassword}},
		{"bad mnemonic", WalletCreateParams{WalletID: "main", Mnemonic: "abandon abandon", Password: testPassword}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, "wallet_create", tt.params)
			if resp.Error == nil || resp.Error.Code != InvalidParams {
				t.Errorf("Error = %+v, want code %d", resp.Error, InvalidParams)
			}
		})
	}
}

func TestWalletAddresses(t *testing.T) {
	s := newTestServer(t, nil)
	createWallet(t, s, "main")

	var addr wallet.Address
	result(t, call(t, s, "wallet_getAddress", WalletIDParams{WalletID: "main"}), &addr)
	if addr.Address != "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu" {
		t.Errorf("Address = %s, want first BIP84 address", addr.Address)
	}
	if addr.Path != "m/84'/0'/0'/0/0" {
		t.Errorf("Path = %s, want m/84'/0'/0'/0/0", addr.Path)
	}

	var derived []wallet.Address
	result(t, call(t, s, "wallet_derive", WalletDeriveParams{WalletID: "main", Change: true, Count: 1}), &derived)
	if len(derived) != 1 || derived[0].Address != "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el" {
		t.Errorf("derived = %+v, want first BIP84 change address", derived)
	}

	var st WalletStatusResult
	result(t, call(t, s, "wallet_setAddressType", WalletSetAddressTypeParams{WalletID: "main", AddressType: "taproot"}), &st)
	if st.AddressType != "p2tr" {
		t.Errorf("AddressType = %s, want p2tr", st.AddressType)
	}

	resp := call(t, s, "wallet_setAddressType", WalletSetAddressTypeParams{WalletID: "main", AddressType: "p2wsh"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Error = %+v, want code %d", resp.Error, InvalidParams)
	}
}

func TestWalletBalanceAndFees(t *testing.T) {
	s := newTestServer(t, nil)
	createWallet(t, s, "main")

	var bal WalletBalanceResult
	result(t, call(t, s, "wallet_getBalance", WalletIDParams{WalletID: "main"}), &bal)
	if bal.Balance != 0 || bal.BTC != "0" || bal.Network != "mainnet" {
		t.Errorf("balance = %+v, want 0 on mainnet", bal)
	}

	var tiers wallet.FeeTiers
	result(t, call(t, s, "wallet_getFeeEstimates", nil), &tiers)
	if tiers.Fast < tiers.Normal || tiers.Normal < tiers.Slow || tiers.Minimum < 1 {
		t.Errorf("tiers out of order: %+v", tiers)
	}
}

func TestWalletSendInsufficientFunds(t *testing.T) {
	s := newTestServer(t, nil)
	createWallet(t, s, "main")

	resp := call(t, s, "wallet_prepareSend", WalletSendParams{
		WalletID: "main",
		Outputs:  []wallet.Recipient{{Address: "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el", Amount: 10_000}},
		Tier:     "fast",
	})
	if resp.Error == nil || resp.Error.Code != InsufficientFundsError {
		t.Errorf("Error = %+v, want code %d", resp.Error, InsufficientFundsError)
	}

	resp = call(t, s, "wallet_prepareSend", WalletSendParams{WalletID: "main", Tier: "warp"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("unknown tier: Error = %+v, want code %d", resp.Error, InvalidParams)
	}

	resp = call(t, s, "wallet_prepareSend", WalletSendParams{
		WalletID: "main",
		Outputs:  []wallet.Recipient{{Address: "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el", Amount: 10_000}},
		Tier:     "custom",
		FeeRate:  math.MaxUint64,
	})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("oversized fee rate: Error = %+v, want code %d", resp.Error, InvalidParams)
	}
}

func TestBalanceGet(t *testing.T) {
	node := &stubNode{
		channels: []lightning.Channel{
			{ID: "1", Balance: 1500, Outbound: 1000, Open: true, Ready: true},
			{ID: "2", Balance: 9000, Outbound: 9000, Open: true, Ready: false},
		},
		claimable: 200,
	}
	s := newTestServer(t, node)
	createWallet(t, s, "main")

	var b balance.Balances
	result(t, call(t, s, "balance_get", WalletIDParams{WalletID: "main"}), &b)

	want := balance.Balances{Spendable: 1000, Reserve: 500, Claimable: 200, Total: 1700, Channels: 1}
	if b != want {
		t.Errorf("balances = %+v, want %+v", b, want)
	}
}
