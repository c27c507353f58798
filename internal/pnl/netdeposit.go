// Package pnl reconstructs the external capital contributed to each
// account and computes true profit and loss against it.
//
// All monetary values use shopspring/decimal, never float64.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/model"
)

// Reconstruct computes net deposits from classified deals:
//
//	net = Σ deposits + Σ withdrawals   (withdrawals are negative)
//
// Internal transfers and fees are excluded entirely; they are tallied
// separately for audit only. The sum is order-independent.
func Reconstruct(account int64, deals []classify.Classification) model.NetDepositResult {
	res := model.NetDepositResult{
		AccountNumber:     account,
		TotalDeposits:     decimal.Zero,
		TotalWithdrawals:  decimal.Zero,
		ExcludedTransfers: decimal.Zero,
		ExcludedFees:      decimal.Zero,
	}

	ambiguous := false
	for _, c := range deals {
		if c.Ambiguous {
			ambiguous = true
		}
		switch c.Category {
		case classify.Deposit:
			res.TotalDeposits = res.TotalDeposits.Add(c.Deal.Amount)
		case classify.Withdrawal:
			res.TotalWithdrawals = res.TotalWithdrawals.Add(c.Deal.Amount)
		case classify.InternalTransfer:
			res.ExcludedTransfers = res.ExcludedTransfers.Add(c.Deal.Amount)
		case classify.Fee:
			res.ExcludedFees = res.ExcludedFees.Add(c.Deal.Amount)
		case classify.Unclassified:
			res.Unclassified++
		}
	}

	res.NetDeposits = res.TotalDeposits.Add(res.TotalWithdrawals)

	if res.NetDeposits.IsNegative() {
		res.Anomalies = append(res.Anomalies, model.AnomalyNegativeNetDeposit)
	}
	if res.Unclassified > 0 {
		res.Anomalies = append(res.Anomalies, model.AnomalyUnclassifiedDeals)
	}
	if ambiguous {
		res.Anomalies = append(res.Anomalies, model.AnomalyAmbiguousDeals)
	}
	return res
}
