package backend

import (
	"context"
	"time"
)

// EsploraIndexer implements Indexer using the Esplora API (blockstream.info,
// electrs). The API matches mempool.space except for fee estimation.
type EsploraIndexer struct {
	*MempoolIndexer
}

// NewEsplora creates a new Esplora indexer.
func NewEsplora(baseURL string, timeout time.Duration, concurrency int) *EsploraIndexer {
	return &EsploraIndexer{
		MempoolIndexer: NewMempool(baseURL, timeout, concurrency),
	}
}

// Type returns TypeEsplora.
func (e *EsploraIndexer) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps Esplora's confirmation-target table onto FeeEstimate.
func (e *EsploraIndexer) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	est := &FeeEstimate{
		FastestFee:  ceilRate(result["1"]),
		HalfHourFee: ceilRate(result["3"]),
		HourFee:     ceilRate(result["6"]),
		EconomyFee:  ceilRate(result["144"]),
		MinimumFee:  1,
	}
	if est.EconomyFee == 0 {
		est.EconomyFee = est.MinimumFee
	}
	return est, nil
}

func ceilRate(r float64) uint64 {
	n := uint64(r)
	if float64(n) < r {
		n++
	}
	return n
}

var _ Indexer = (*EsploraIndexer)(nil)
