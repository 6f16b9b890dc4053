package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwallet/internal/chain"
)

// rbfSequence signals replaceability on every input.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// newInput returns an RBF enabled input spending u.
func newInput(u Utxo) (*wire.TxIn, error) {
	txHash, err := chainhash.NewHashFromStr(u.TxHash)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %w", u.TxHash, err)
	}
	in := wire.NewTxIn(wire.NewOutPoint(txHash, u.TxPos), nil, nil)
	in.Sequence = rbfSequence
	return in, nil
}

// signInputs signs every input of tx. inputs[i] is the utxo spent by
// tx.TxIn[i]; keys are derived from each utxo's path.
func signInputs(tx *wire.MsgTx, inputs []Utxo, d *Deriver, network chain.Network) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("have %d utxos for %d inputs", len(inputs), len(tx.TxIn))
	}

	scripts := make([][]byte, len(inputs))
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, u := range inputs {
		script, err := PayToAddrScript(u.Address, network)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		scripts[i] = script
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(u.Value, script)
	}
	params, ok := chain.Get(network)
	if !ok {
		return fmt.Errorf("unknown network %q", network)
	}
	net := params.Net

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range inputs {
		path, err := chain.ParsePath(u.Path)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		privKey, err := d.PrivateKey(path)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}

		switch u.AddressType {
		case chain.AddressP2WPKH:
			err = signP2WPKH(tx, i, privKey, u.Value, scripts[i], sigHashes)
		case chain.AddressP2SH:
			err = signNestedP2WPKH(tx, i, privKey, u.Value, net, sigHashes)
		case chain.AddressP2TR:
			err = signP2TR(tx, i, privKey, u.Value, scripts[i], sigHashes)
		case chain.AddressP2PKH:
			err = signP2PKH(tx, i, privKey, scripts[i])
		default:
			err = fmt.Errorf("unsupported address type %q", u.AddressType)
		}
		if err != nil {
			return fmt.Errorf("sign input %d (%s): %w", i, u.AddressType, err)
		}
	}
	return nil
}

// signP2WPKH signs a P2WPKH (native SegWit) input.
func signP2WPKH(tx *wire.MsgTx, idx int, privKey *btcec.PrivateKey, value int64, pkScript []byte, sigHashes *txscript.TxSigHashes) error {
	witness, err := txscript.WitnessSignature(tx, sigHashes, idx, value, pkScript, txscript.SigHashAll, privKey, true)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	return nil
}

// signNestedP2WPKH signs a P2SH-P2WPKH input: the witness is the P2WPKH
// one and the signature script pushes the redeem script.
func signNestedP2WPKH(tx *wire.MsgTx, idx int, privKey *btcec.PrivateKey, value int64, net *chaincfg.Params, sigHashes *txscript.TxSigHashes) error {
	redeemScript, err := p2wpkhRedeemScript(privKey.PubKey(), net)
	if err != nil {
		return err
	}
	witness, err := txscript.WitnessSignature(tx, sigHashes, idx, value, redeemScript, txscript.SigHashAll, privKey, true)
	if err != nil {
		return err
	}
	sigScript, err := txscript.NewScriptBuilder().AddData(redeemScript).Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = witness
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// signP2TR signs a P2TR input using key-path spend.
func signP2TR(tx *wire.MsgTx, idx int, privKey *btcec.PrivateKey, value int64, pkScript []byte, sigHashes *txscript.TxSigHashes) error {
	sig, err := txscript.RawTxInTaprootSignature(tx, sigHashes, idx, value, pkScript, nil, txscript.SigHashDefault, privKey)
	if err != nil {
		return err
	}
	tx.TxIn[idx].Witness = wire.TxWitness{sig}
	return nil
}

// signP2PKH signs a P2PKH (legacy) input.
func signP2PKH(tx *wire.MsgTx, idx int, privKey *btcec.PrivateKey, pkScript []byte) error {
	sig, err := txscript.SignatureScript(tx, idx, pkScript, txscript.SigHashAll, privKey, true)
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = sig
	return nil
}

// serializeTx returns the hex encoding of tx.
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// decodeTx parses a hex encoded transaction.
func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}
