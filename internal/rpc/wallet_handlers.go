package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingwallet/internal/chain"
	"github.com/klingon-exchange/klingwallet/internal/errs"
	"github.com/klingon-exchange/klingwallet/internal/keystore"
	"github.com/klingon-exchange/klingwallet/internal/wallet"
	"github.com/klingon-exchange/klingwallet/pkg/helpers"
)

// ========================================
// Wallet lifecycle handlers
// ========================================

// WalletGenerateResult is the response for wallet_generate.
type WalletGenerateResult struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return &WalletGenerateResult{Mnemonic: mnemonic}, nil
}

// WalletValidateMnemonicParams is the parameters for wallet_validateMnemonic.
type WalletValidateMnemonicParams struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletValidateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletValidateMnemonicParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"valid": wallet.ValidateMnemonic(p.Mnemonic)}, nil
}

// WalletCreateParams is the parameters for wallet_create.
type WalletCreateParams struct {
	WalletID   string `json:"wallet_id"`
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase"` // BIP39 passphrase (optional)
	Password   string `json:"password"`   // Encryption password (required)
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	const op = "rpc.wallet_create"

	var p WalletCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := keystore.ValidateWalletID(p.WalletID); err != nil {
		return nil, err
	}
	if err := required("mnemonic", p.Mnemonic); err != nil {
		return nil, err
	}
	if err := keystore.ValidatePassword(p.Password); err != nil {
		return nil, errs.New(errs.ErrValidation, op, err)
	}
	if s.deps.Keystore.Exists(p.WalletID) {
		return nil, errs.Conflictf(op, "wallet %q already exists", p.WalletID)
	}

	d, err := wallet.NewDeriverFromMnemonic(p.Mnemonic, p.Passphrase)
	if err != nil {
		return nil, err
	}
	secret := keystore.Secret{Mnemonic: p.Mnemonic, Passphrase: p.Passphrase}
	if err := s.deps.Keystore.Save(p.WalletID, secret, p.Password); err != nil {
		return nil, fmt.Errorf("failed to save wallet: %w", err)
	}
	if err := s.deps.Engine.AddWallet(p.WalletID, d); err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	s.followPayments(p.WalletID)

	s.log.Info("Wallet created", "wallet", p.WalletID)
	return s.status(p.WalletID), nil
}

// WalletUnlockParams is the parameters for wallet_unlock.
type WalletUnlockParams struct {
	WalletID string `json:"wallet_id"`
	Password string `json:"password"`
}

func (s *Server) walletUnlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	const op = "rpc.wallet_unlock"

	var p WalletUnlockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := keystore.ValidateWalletID(p.WalletID); err != nil {
		return nil, err
	}
	if err := required("password", p.Password); err != nil {
		return nil, err
	}

	secret, err := s.deps.Keystore.Load(p.WalletID, p.Password)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, errs.New(errs.ErrValidation, op, err)
	}
	if err != nil {
		return nil, errs.New(errs.ErrValidation, op, fmt.Errorf("failed to unlock wallet: %w", err))
	}

	d, err := wallet.NewDeriverFromMnemonic(secret.Mnemonic, secret.Passphrase)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Engine.AddWallet(p.WalletID, d); err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	s.followPayments(p.WalletID)

	s.log.Info("Wallet unlocked", "wallet", p.WalletID)
	return s.status(p.WalletID), nil
}

// WalletIDParams selects a wallet.
type WalletIDParams struct {
	WalletID string `json:"wallet_id"`
}

func (p WalletIDParams) validate() error {
	return required("wallet_id", p.WalletID)
}

func (s *Server) walletLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	s.unfollowPayments(p.WalletID)
	s.deps.Engine.RemoveWallet(p.WalletID)
	if s.deps.Activity != nil {
		s.deps.Activity.Forget(p.WalletID)
	}
	return s.status(p.WalletID), nil
}

// WalletListResult is the response for wallet_list.
type WalletListResult struct {
	Wallets []WalletStatusResult `json:"wallets"`
}

func (s *Server) walletList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ids, err := s.deps.Keystore.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	out := &WalletListResult{Wallets: make([]WalletStatusResult, 0, len(ids))}
	for _, id := range ids {
		out.Wallets = append(out.Wallets, *s.status(id))
	}
	return out, nil
}

// WalletStatusResult is the response for wallet_status.
type WalletStatusResult struct {
	WalletID    string `json:"wallet_id"`
	HasWallet   bool   `json:"has_wallet"`
	Unlocked    bool   `json:"unlocked"`
	Network     string `json:"network"`
	AddressType string `json:"address_type,omitempty"`
}

func (s *Server) status(walletID string) *WalletStatusResult {
	_, err := s.deps.Engine.Deriver(walletID)
	res := &WalletStatusResult{
		WalletID:  walletID,
		HasWallet: s.deps.Keystore.Exists(walletID),
		Unlocked:  err == nil,
		Network:   string(s.deps.Engine.Network()),
	}
	if res.Unlocked {
		res.AddressType = string(s.deps.Engine.AddressType(walletID))
	}
	return res
}

func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.status(p.WalletID), nil
}

// WalletSwitchNetworkParams is the parameters for wallet_switchNetwork.
type WalletSwitchNetworkParams struct {
	Network string `json:"network"`
}

func (s *Server) walletSwitchNetwork(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletSwitchNetworkParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("network", p.Network); err != nil {
		return nil, err
	}
	network, err := chain.ParseNetwork(p.Network)
	if err != nil {
		return nil, errs.New(errs.ErrValidation, "rpc.wallet_switchNetwork", err)
	}
	if err := s.deps.Engine.SwitchNetwork(s.base, network); err != nil {
		return nil, err
	}
	for _, id := range s.deps.Engine.Wallets() {
		s.followPayments(id)
	}
	return map[string]string{"network": string(network)}, nil
}

// ========================================
// Address handlers
// ========================================

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Engine.ReceiveAddress(ctx, p.WalletID)
}

func (s *Server) walletNewAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Engine.NewReceiveAddress(ctx, p.WalletID)
}

// WalletSetAddressTypeParams is the parameters for wallet_setAddressType.
type WalletSetAddressTypeParams struct {
	WalletID    string `json:"wallet_id"`
	AddressType string `json:"address_type"`
}

func (s *Server) walletSetAddressType(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletSetAddressTypeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	t, err := chain.ParseAddressType(p.AddressType)
	if err != nil {
		return nil, errs.New(errs.ErrValidation, "rpc.wallet_setAddressType", err)
	}
	if err := s.deps.Engine.SetAddressType(p.WalletID, t); err != nil {
		return nil, err
	}
	return s.status(p.WalletID), nil
}

// WalletDeriveParams is the parameters for wallet_derive.
type WalletDeriveParams struct {
	WalletID     string `json:"wallet_id"`
	AddressType  string `json:"address_type,omitempty"`
	PathTemplate string `json:"path,omitempty"`
	Change       bool   `json:"change,omitempty"`
	Start        uint32 `json:"start,omitempty"`
	Count        int    `json:"count,omitempty"`
}

func (s *Server) walletDerive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletDeriveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}

	d, err := s.deps.Engine.Deriver(p.WalletID)
	if err != nil {
		return nil, err
	}
	t := s.deps.Engine.AddressType(p.WalletID)
	if p.AddressType != "" {
		if t, err = chain.ParseAddressType(p.AddressType); err != nil {
			return nil, errs.New(errs.ErrValidation, "rpc.wallet_derive", err)
		}
	}
	if p.Count <= 0 {
		p.Count = 1
	}

	return d.Derive(wallet.DeriveRequest{
		Network:      s.deps.Engine.Network(),
		AddressType:  t,
		PathTemplate: p.PathTemplate,
		Change:       p.Change,
		Start:        p.Start,
		Count:        p.Count,
	})
}

func (s *Server) walletVerifyAddresses(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Engine.VerifyAddresses(ctx, p.WalletID)
}

// ========================================
// Chain state handlers
// ========================================

// WalletRefreshParams is the parameters for wallet_refresh.
type WalletRefreshParams struct {
	WalletID string `json:"wallet_id"`
	ScanAll  bool   `json:"scan_all,omitempty"`
}

func (s *Server) walletRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletRefreshParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	return s.deps.Engine.Refresh(ctx, p.WalletID, p.ScanAll)
}

func (s *Server) walletSnapshot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Engine.Snapshot(p.WalletID)
}

// WalletBalanceResult is the response for wallet_getBalance.
type WalletBalanceResult struct {
	WalletID string `json:"wallet_id"`
	Network  string `json:"network"`
	Balance  int64  `json:"balance"`
	BTC      string `json:"btc"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	bal, err := s.deps.Engine.Balance(p.WalletID)
	if err != nil {
		return nil, err
	}
	return &WalletBalanceResult{
		WalletID: p.WalletID,
		Network:  string(s.deps.Engine.Network()),
		Balance:  bal,
		BTC:      helpers.FormatSats(bal),
	}, nil
}

func (s *Server) walletReconcile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return s.deps.Engine.ReconcileMempool(ctx, p.WalletID)
}

func (s *Server) walletReset(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := s.deps.Engine.ResetWallet(ctx, p.WalletID); err != nil {
		return nil, err
	}
	return s.status(p.WalletID), nil
}

// ========================================
// Send handlers
// ========================================

func (s *Server) walletGetFeeEstimates(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.deps.Engine.FeeTiers(ctx)
}

// WalletSendParams is the parameters for wallet_prepareSend and wallet_send.
type WalletSendParams struct {
	WalletID string             `json:"wallet_id"`
	Outputs  []wallet.Recipient `json:"outputs"`
	Message  string             `json:"message,omitempty"`
	Tier     string             `json:"fee_tier,omitempty"`
	FeeRate  uint64             `json:"fee_rate,omitempty"`
	Inputs   []string           `json:"inputs,omitempty"`
	Max      bool               `json:"max,omitempty"`
	Transfer bool               `json:"transfer,omitempty"`
}

func (s *Server) prepareSend(ctx context.Context, params json.RawMessage) (*WalletSendParams, *wallet.SendBuilder, error) {
	var p WalletSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, nil, err
	}
	tier, err := wallet.ParseFeeTier(p.Tier)
	if err != nil {
		return nil, nil, err
	}

	b, err := s.deps.Engine.CreateSend(ctx, p.WalletID, wallet.SendRequest{
		Outputs: p.Outputs,
		Message: p.Message,
		Tier:    tier,
		FeeRate: p.FeeRate,
		Inputs:  p.Inputs,
		Max:     p.Max,
	})
	if err != nil {
		return nil, nil, err
	}
	return &p, b, nil
}

func (s *Server) walletPrepareSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	_, b, err := s.prepareSend(ctx, params)
	if err != nil {
		return nil, err
	}
	return b.Summary()
}

// WalletSendResult is the response for wallet_send.
type WalletSendResult struct {
	TxID    string             `json:"txid"`
	Summary wallet.SendSummary `json:"summary"`
}

func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, b, err := s.prepareSend(ctx, params)
	if err != nil {
		return nil, err
	}

	signed, err := s.deps.Engine.Sign(p.WalletID, b)
	if err != nil {
		return nil, err
	}
	txid, err := s.deps.Engine.Broadcast(ctx, p.WalletID, signed.Hex)
	if err != nil {
		return nil, err
	}
	if p.Transfer {
		if err := s.deps.Engine.MarkTransfer(p.WalletID, txid); err != nil {
			s.log.Warn("Failed to mark transfer", "txid", txid, "error", err)
		}
	}
	return &WalletSendResult{TxID: txid, Summary: signed.Summary}, nil
}

// WalletBroadcastParams is the parameters for wallet_broadcast.
type WalletBroadcastParams struct {
	WalletID string `json:"wallet_id"`
	Hex      string `json:"hex"`
}

func (s *Server) walletBroadcast(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletBroadcastParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	if err := required("hex", p.Hex); err != nil {
		return nil, err
	}
	txid, err := s.deps.Engine.Broadcast(ctx, p.WalletID, p.Hex)
	if err != nil {
		return nil, err
	}
	return map[string]string{"txid": txid}, nil
}

// WalletTxParams selects a transaction of a wallet.
type WalletTxParams struct {
	WalletID string `json:"wallet_id"`
	TxID     string `json:"txid"`
}

func (s *Server) walletMarkTransfer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletTxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	if err := required("txid", p.TxID); err != nil {
		return nil, err
	}
	if err := s.deps.Engine.MarkTransfer(p.WalletID, p.TxID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// WalletRecordBoostParams is the parameters for wallet_recordBoost.
type WalletRecordBoostParams struct {
	WalletID string       `json:"wallet_id"`
	Boost    wallet.Boost `json:"boost"`
}

func (s *Server) walletRecordBoost(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletRecordBoostParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("wallet_id", p.WalletID); err != nil {
		return nil, err
	}
	if err := s.deps.Engine.RecordBoost(p.WalletID, p.Boost); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}
