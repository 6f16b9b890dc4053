package blocktank

import (
	"fmt"
	"strings"

	"github.com/klingon-exchange/klingwallet/internal/storage"
)

// Marker is a persisted per-order flag the presentation layer reads to show
// pending work.
type Marker string

const (
	// MarkerSettingUp is set while a purchased channel awaits finalizing.
	MarkerSettingUp Marker = "setting_up"
	// MarkerConnecting is set between finalize and the channel opening.
	MarkerConnecting Marker = "connecting"
	// MarkerTransfer records funds moving to spending balance through an
	// LSP peer. Its value is the peer's pubkey.
	MarkerTransfer Marker = "transfer"
)

const markerPrefix = "blocktank.marker."

// Markers stores markers in the settings table as
// blocktank.marker.<marker>.<orderID>.
type Markers struct {
	store *storage.Storage
}

// NewMarkers creates a marker store.
func NewMarkers(store *storage.Storage) *Markers {
	return &Markers{store: store}
}

func markerKey(m Marker, orderID string) string {
	return markerPrefix + string(m) + "." + orderID
}

// Set sets marker m for an order.
func (s *Markers) Set(m Marker, orderID, value string) error {
	if value == "" {
		value = "1"
	}
	if err := s.store.SetSetting(markerKey(m, orderID), value); err != nil {
		return fmt.Errorf("set %s marker: %w", m, err)
	}
	return nil
}

// Clear removes marker m for an order.
func (s *Markers) Clear(m Marker, orderID string) error {
	if err := s.store.DeleteSetting(markerKey(m, orderID)); err != nil {
		return fmt.Errorf("clear %s marker: %w", m, err)
	}
	return nil
}

// Has reports whether marker m is set for an order.
func (s *Markers) Has(m Marker, orderID string) (bool, error) {
	_, ok, err := s.store.GetSetting(markerKey(m, orderID))
	return ok, err
}

// List returns order id to value for marker m.
func (s *Markers) List(m Marker) (map[string]string, error) {
	prefix := markerPrefix + string(m) + "."
	raw, err := s.store.ListSettings(prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out, nil
}

// ClearTransfers removes every transfer marker recorded for peer.
func (s *Markers) ClearTransfers(peer string) (int, error) {
	transfers, err := s.List(MarkerTransfer)
	if err != nil {
		return 0, err
	}
	n := 0
	for orderID, p := range transfers {
		if p != peer {
			continue
		}
		if err := s.Clear(MarkerTransfer, orderID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
