package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:            Mainnet,
		Name:               "Bitcoin",
		CoinType:           0,
		Net:                &chaincfg.MainNetParams,
		DefaultAddressType: AddressP2WPKH,
	})

	Register(&Params{
		Network:            Testnet,
		Name:               "Bitcoin Testnet",
		CoinType:           1,
		Net:                &chaincfg.TestNet3Params,
		DefaultAddressType: AddressP2WPKH,
	})

	Register(&Params{
		Network:            Regtest,
		Name:               "Bitcoin Regtest",
		CoinType:           1,
		Net:                &chaincfg.RegressionNetParams,
		DefaultAddressType: AddressP2WPKH,
	})
}
