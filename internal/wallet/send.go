package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/config"
	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// InsufficientFundsError reports inputs that cannot cover outputs plus fee.
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d sat, have %d sat", e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return errs.ErrInsufficientFunds
}

// Recipient is a payment output.
type Recipient struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// SendSummary is the current state of a send under construction.
type SendSummary struct {
	Inputs      []Utxo      `json:"inputs"`
	Outputs     []Recipient `json:"outputs"`
	Message     string      `json:"message,omitempty"`
	FeeRate     uint64      `json:"feeRate"`
	Fee         int64       `json:"fee"`
	VSize       int         `json:"vsize"`
	Change      int64       `json:"change"`
	ChangeAddr  string      `json:"changeAddress,omitempty"`
	InputTotal  int64       `json:"inputTotal"`
	OutputTotal int64       `json:"outputTotal"`
	Max         bool        `json:"max"`
}

// SignedTx is a signed transaction ready for broadcast.
type SignedTx struct {
	TxID    string      `json:"txid"`
	Hex     string      `json:"hex"`
	Summary SendSummary `json:"summary"`
}

// SendBuilder assembles an outgoing transaction. Fee, change and, in max
// mode, the send amount are recomputed after every change to inputs,
// outputs, message or fee rate.
type SendBuilder struct {
	network chain.Network
	change  Address
	// changeType is the script type of the change output.
	changeType chain.AddressType
	dust       int64

	mu       sync.Mutex
	wallet   []Utxo
	pinning  bool
	pinned   []string
	outputs  []Recipient
	message  string
	feeRate  uint64
	max      bool
	summary  SendSummary
	buildErr error
}

// NewSendBuilder starts a send spending from utxos with change going to
// changeAddr. All utxos are used unless a subset is pinned.
func NewSendBuilder(network chain.Network, utxos []Utxo, changeAddr Address, changeType chain.AddressType, feeRate uint64) *SendBuilder {
	b := &SendBuilder{
		network:    network,
		change:     changeAddr,
		changeType: changeType,
		dust:       config.DustLimit,
		wallet:     DedupeUtxos(utxos),
		feeRate:    feeRate,
	}
	b.recompute()
	return b
}

// SetDustLimit overrides the dust limit.
func (b *SendBuilder) SetDustLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dust = limit
	b.recompute()
}

// PinInputs restricts the send to the given utxo ids. An empty list goes
// back to using every wallet utxo.
func (b *SendBuilder) PinInputs(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	known := make(map[string]struct{}, len(b.wallet))
	for _, u := range b.wallet {
		known[u.ID()] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return errs.Validationf("wallet.PinInputs", "unknown utxo %s", id)
		}
	}
	b.pinned = append([]string(nil), ids...)
	b.pinning = len(ids) > 0
	b.recompute()
	return nil
}

// AddInput adds a utxo to the wallet set, pinning it when inputs are
// pinned.
func (b *SendBuilder) AddInput(u Utxo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallet = DedupeUtxos(append(b.wallet, u))
	if b.pinning {
		b.pinned = append(b.pinned, u.ID())
	}
	b.recompute()
}

// RemoveInput drops a utxo from the send.
func (b *SendBuilder) RemoveInput(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.wallet[:0:0]
	for _, u := range b.wallet {
		if u.ID() != id {
			kept = append(kept, u)
		}
	}
	b.wallet = kept
	pinned := b.pinned[:0:0]
	for _, p := range b.pinned {
		if p != id {
			pinned = append(pinned, p)
		}
	}
	b.pinned = pinned
	b.recompute()
}

// SetOutputs replaces the payment outputs.
func (b *SendBuilder) SetOutputs(outputs []Recipient) error {
	for _, o := range outputs {
		if _, _, err := ParseAddress(o.Address, b.network); err != nil {
			return err
		}
		if o.Amount < 0 {
			return errs.Validationf("wallet.SetOutputs", "negative amount %d", o.Amount)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append([]Recipient(nil), outputs...)
	b.recompute()
	return nil
}

// SetMessage sets an OP_RETURN message. Empty removes it.
func (b *SendBuilder) SetMessage(msg string) error {
	if len(msg) > config.MaxOpReturnSize {
		return errs.Validationf("wallet.SetMessage", "message exceeds %d bytes", config.MaxOpReturnSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message = msg
	b.recompute()
	return nil
}

// SetFeeRate sets the fee rate in sat/vB.
func (b *SendBuilder) SetFeeRate(rate uint64) error {
	if err := checkFeeRate("wallet.SetFeeRate", rate); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feeRate = rate
	b.recompute()
	return nil
}

// SetMax toggles sending everything to the single output.
func (b *SendBuilder) SetMax(max bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = max
	b.recompute()
}

// Summary returns the current computation, or the reason it is not
// buildable.
func (b *SendBuilder) Summary() (SendSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summary, b.buildErr
}

// Build signs the transaction with keys from d.
func (b *SendBuilder) Build(d *Deriver) (*SignedTx, error) {
	b.mu.Lock()
	sum, err := b.summary, b.buildErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(sum.Outputs) == 0 && sum.Message == "" {
		return nil, errs.Validationf("wallet.Build", "no outputs")
	}

	tx := wire.NewMsgTx(2)
	for _, u := range sum.Inputs {
		in, err := newInput(u)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(in)
	}

	outs, err := b.paymentOutputs(sum.Outputs, sum.Message)
	if err != nil {
		return nil, err
	}
	for _, o := range outs {
		tx.AddTxOut(o)
	}
	if sum.Change > 0 {
		script, err := PayToAddrScript(sum.ChangeAddr, b.network)
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(sum.Change, script))
	}

	if err := signInputs(tx, sum.Inputs, d, b.network); err != nil {
		return nil, err
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &SignedTx{TxID: tx.TxHash().String(), Hex: raw, Summary: sum}, nil
}

func (b *SendBuilder) selected() []Utxo {
	if !b.pinning {
		return append([]Utxo(nil), b.wallet...)
	}
	want := make(map[string]struct{}, len(b.pinned))
	for _, id := range b.pinned {
		want[id] = struct{}{}
	}
	var out []Utxo
	for _, u := range b.wallet {
		if _, ok := want[u.ID()]; ok {
			out = append(out, u)
		}
	}
	return out
}

// recompute refreshes the summary. Callers hold b.mu.
func (b *SendBuilder) recompute() {
	b.summary, b.buildErr = b.compute()
}

func (b *SendBuilder) compute() (SendSummary, error) {
	inputs := b.selected()
	sum := SendSummary{
		Inputs:     inputs,
		Outputs:    append([]Recipient(nil), b.outputs...),
		Message:    b.message,
		FeeRate:    b.feeRate,
		InputTotal: SumUtxos(inputs),
		Max:        b.max,
	}
	if err := checkFeeRate("wallet.Send", b.feeRate); err != nil {
		return sum, err
	}
	if len(inputs) == 0 {
		return sum, &InsufficientFundsError{Available: 0}
	}

	if b.max {
		if len(sum.Outputs) != 1 {
			return sum, errs.Validationf("wallet.Send", "send max needs exactly one output, have %d", len(sum.Outputs))
		}
		sum.Outputs[0].Amount = 0
		vsize, err := b.estimate(inputs, sum.Outputs, 0)
		if err != nil {
			return sum, err
		}
		fee := int64(b.feeRate) * int64(vsize)
		amount := sum.InputTotal - fee
		if amount <= b.dust {
			return sum, &InsufficientFundsError{Required: fee + b.dust + 1, Available: sum.InputTotal}
		}
		sum.Outputs[0].Amount = amount
		sum.Fee = fee
		sum.VSize = vsize
		sum.OutputTotal = amount
		return sum, nil
	}

	for _, o := range sum.Outputs {
		sum.OutputTotal += o.Amount
		if err := b.checkDust(o); err != nil {
			return sum, err
		}
	}

	changeScriptSize, err := b.changeScriptSize()
	if err != nil {
		return sum, err
	}

	vsizeChange, err := b.estimate(inputs, sum.Outputs, changeScriptSize)
	if err != nil {
		return sum, err
	}
	feeChange := int64(b.feeRate) * int64(vsizeChange)
	change := sum.InputTotal - sum.OutputTotal - feeChange
	if change > b.dust && !isDust(change, changeScriptSize) {
		sum.Fee = feeChange
		sum.VSize = vsizeChange
		sum.Change = change
		sum.ChangeAddr = b.change.Address
		return sum, nil
	}

	vsize, err := b.estimate(inputs, sum.Outputs, 0)
	if err != nil {
		return sum, err
	}
	fee := int64(b.feeRate) * int64(vsize)
	if sum.InputTotal-sum.OutputTotal < fee {
		return sum, &InsufficientFundsError{Required: sum.OutputTotal + fee, Available: sum.InputTotal}
	}
	// Leftover below dust goes to the miners.
	sum.Fee = sum.InputTotal - sum.OutputTotal
	sum.VSize = vsize
	return sum, nil
}

func (b *SendBuilder) checkDust(o Recipient) error {
	script, err := PayToAddrScript(o.Address, b.network)
	if err != nil {
		return err
	}
	if o.Amount <= b.dust || isDust(o.Amount, len(script)) {
		return errs.Validationf("wallet.Send", "amount %d to %s is dust", o.Amount, o.Address)
	}
	return nil
}

func isDust(value int64, scriptSize int) bool {
	return txrules.IsDustAmount(btcutil.Amount(value), scriptSize, txrules.DefaultRelayFeePerKb)
}

func (b *SendBuilder) changeScriptSize() (int, error) {
	if b.change.Address != "" {
		script, err := PayToAddrScript(b.change.Address, b.network)
		if err != nil {
			return 0, fmt.Errorf("change address: %w", err)
		}
		return len(script), nil
	}
	return scriptSizeOf(b.changeType)
}

// estimate returns the virtual size with the given change script size, 0
// for no change output.
func (b *SendBuilder) estimate(inputs []Utxo, outputs []Recipient, changeScriptSize int) (int, error) {
	var p2pkh, p2tr, p2wpkh, nested int
	for _, u := range inputs {
		switch u.AddressType {
		case chain.AddressP2PKH:
			p2pkh++
		case chain.AddressP2TR:
			p2tr++
		case chain.AddressP2SH:
			nested++
		default:
			p2wpkh++
		}
	}

	outs, err := b.paymentOutputs(outputs, b.message)
	if err != nil {
		return 0, err
	}
	return txsizes.EstimateVirtualSize(p2pkh, p2tr, p2wpkh, nested, outs, changeScriptSize), nil
}

func (b *SendBuilder) paymentOutputs(outputs []Recipient, message string) ([]*wire.TxOut, error) {
	outs := make([]*wire.TxOut, 0, len(outputs)+1)
	for _, o := range outputs {
		script, err := PayToAddrScript(o.Address, b.network)
		if err != nil {
			return nil, err
		}
		outs = append(outs, wire.NewTxOut(o.Amount, script))
	}
	if message != "" {
		script, err := txscript.NullDataScript([]byte(message))
		if err != nil {
			return nil, errs.New(errs.ErrValidation, "wallet.Send", err)
		}
		outs = append(outs, wire.NewTxOut(0, script))
	}
	return outs, nil
}

// scriptSizeOf returns the output script size of an address type.
func scriptSizeOf(t chain.AddressType) (int, error) {
	switch t {
	case chain.AddressP2PKH:
		return txsizes.P2PKHPkScriptSize, nil
	case chain.AddressP2SH:
		return txsizes.NestedP2WPKHPkScriptSize, nil
	case chain.AddressP2WPKH:
		return txsizes.P2WPKHPkScriptSize, nil
	case chain.AddressP2TR:
		return txsizes.P2TRPkScriptSize, nil
	}
	return 0, fmt.Errorf("unsupported address type: %s", t)
}
