package chain

import (
	"testing"
)

func TestNetworksRegistered(t *testing.T) {
	tests := []struct {
		network  Network
		coinType uint32
		hrp      string
	}{
		{Mainnet, 0, "bc"},
		{Testnet, 1, "tb"},
		{Regtest, 1, "bcrt"},
	}

	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			params, ok := Get(tt.network)
			if !ok {
				t.Fatalf("%s should be registered", tt.network)
			}
			if params.CoinType != tt.coinType {
				t.Errorf("CoinType = %d, want %d", params.CoinType, tt.coinType)
			}
			if params.Net.Bech32HRPSegwit != tt.hrp {
				t.Errorf("Bech32HRP = %s, want %s", params.Net.Bech32HRPSegwit, tt.hrp)
			}
			if params.DefaultAddressType != AddressP2WPKH {
				t.Errorf("DefaultAddressType = %s, want p2wpkh", params.DefaultAddressType)
			}
		})
	}
}

func TestPathTemplate(t *testing.T) {
	tests := []struct {
		network Network
		addr    AddressType
		want    string
	}{
		{Mainnet, AddressP2WPKH, "m/84'/0'/0'/0/0"},
		{Mainnet, AddressP2SH, "m/49'/0'/0'/0/0"},
		{Mainnet, AddressP2PKH, "m/44'/0'/0'/0/0"},
		{Mainnet, AddressP2TR, "m/86'/0'/0'/0/0"},
		{Testnet, AddressP2WPKH, "m/84'/1'/0'/0/0"},
		{Regtest, AddressP2SH, "m/49'/1'/0'/0/0"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := MustGet(tt.network).PathTemplate(tt.addr)
			if err != nil {
				t.Fatalf("PathTemplate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("PathTemplate = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := MustGet(Mainnet).PathTemplate("p2wsh"); err == nil {
		t.Error("expected error for unsupported address type")
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("m/84'/1'/2'/1/7")
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	want := Path{Purpose: 84, CoinType: 1, Account: 2, Change: 1, Index: 7}
	if p != want {
		t.Errorf("ParsePath = %+v, want %+v", p, want)
	}
	if FormatPath(p) != "m/84'/1'/2'/1/7" {
		t.Errorf("FormatPath roundtrip = %s", FormatPath(p))
	}

	hp, err := ParsePath("m/84h/0h/0h/0/3")
	if err != nil {
		t.Fatalf("ParsePath with h markers failed: %v", err)
	}
	if hp.Index != 3 {
		t.Errorf("Index = %d, want 3", hp.Index)
	}

	bad := []string{
		"",
		"m/84'/0'/0'/0",
		"x/84'/0'/0'/0/0",
		"m/84/0'/0'/0/0",
		"m/84'/0'/0'/0'/0",
		"m/84'/0'/0'/0/abc",
		"m/84'/0'/0'/0/-1",
	}
	for _, s := range bad {
		if _, err := ParsePath(s); err == nil {
			t.Errorf("ParsePath(%q) should fail", s)
		}
	}
}

func TestWithIndex(t *testing.T) {
	base := Path{Purpose: 84, CoinType: 0}
	p := base.WithIndex(true, 12)
	if p.Change != 1 || p.Index != 12 {
		t.Errorf("WithIndex(true, 12) = %+v", p)
	}
	if base.Index != 0 {
		t.Error("WithIndex must not mutate receiver")
	}
}

func TestParseAddressType(t *testing.T) {
	tests := map[string]AddressType{
		"p2wpkh":      AddressP2WPKH,
		"":            AddressP2WPKH,
		"P2SH":        AddressP2SH,
		"p2sh-p2wpkh": AddressP2SH,
		"legacy":      AddressP2PKH,
		"taproot":     AddressP2TR,
	}
	for in, want := range tests {
		got, err := ParseAddressType(in)
		if err != nil || got != want {
			t.Errorf("ParseAddressType(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseAddressType("p2wsh"); err == nil {
		t.Error("expected error for p2wsh")
	}
}

func TestParseNetwork(t *testing.T) {
	if n, err := ParseNetwork("signet"); err != nil || n != Testnet {
		t.Errorf("ParseNetwork(signet) = %s, %v", n, err)
	}
	if _, err := ParseNetwork("litecoin"); err == nil {
		t.Error("expected error for unknown network")
	}
}
