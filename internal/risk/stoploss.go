package risk

// NewLevels computes the initial protection for an entry at price. When a
// stop-loss is set the trailing stop starts on it and only tightens once the
// price makes a new extreme past the entry, so a position that never moves
// in its favor exits on STOP_LOSS.
func NewLevels(side Side, entry float64, cfg Config) Levels {
	sl, tp, trail := cfg.StopLossPct/100, cfg.TakeProfitPct/100, cfg.TrailingStopPct/100
	lv := Levels{TrailingPct: trail, Extreme: entry}
	if side == Short {
		if sl > 0 {
			lv.StopLoss = entry * (1 + sl)
		}
		if tp > 0 {
			lv.TakeProfit = entry * (1 - tp)
		}
		if trail > 0 {
			lv.TrailingLevel = entry * (1 + trail)
			if lv.StopLoss > 0 {
				lv.TrailingLevel = lv.StopLoss
			}
		}
		return lv
	}
	if sl > 0 {
		lv.StopLoss = entry * (1 - sl)
	}
	if tp > 0 {
		lv.TakeProfit = entry * (1 + tp)
	}
	if trail > 0 {
		lv.TrailingLevel = entry * (1 - trail)
		if lv.StopLoss > 0 {
			lv.TrailingLevel = lv.StopLoss
		}
	}
	return lv
}

// Evaluate advances the trailing stop with price and checks the exit rules
// in order: stop-loss, trailing stop, take-profit. The returned levels must
// replace the caller's copy whether or not an exit fired.
func Evaluate(side Side, lv Levels, price float64) (Levels, *ExitDecision) {
	if price <= 0 {
		return lv, nil
	}
	lv = updateTrailingStop(side, lv, price)

	if side == Short {
		switch {
		case lv.StopLoss > 0 && price >= lv.StopLoss:
			return lv, &ExitDecision{Reason: ExitStopLoss, Price: price, Level: lv.StopLoss}
		case lv.TrailingLevel > 0 && price >= lv.TrailingLevel:
			return lv, &ExitDecision{Reason: ExitTrailingStop, Price: price, Level: lv.TrailingLevel}
		case lv.TakeProfit > 0 && price <= lv.TakeProfit:
			return lv, &ExitDecision{Reason: ExitTakeProfit, Price: price, Level: lv.TakeProfit}
		}
		return lv, nil
	}

	switch {
	case lv.StopLoss > 0 && price <= lv.StopLoss:
		return lv, &ExitDecision{Reason: ExitStopLoss, Price: price, Level: lv.StopLoss}
	case lv.TrailingLevel > 0 && price <= lv.TrailingLevel:
		return lv, &ExitDecision{Reason: ExitTrailingStop, Price: price, Level: lv.TrailingLevel}
	case lv.TakeProfit > 0 && price >= lv.TakeProfit:
		return lv, &ExitDecision{Reason: ExitTakeProfit, Price: price, Level: lv.TakeProfit}
	}
	return lv, nil
}

// updateTrailingStop ratchets the trailing level on a new extreme; it never
// loosens.
func updateTrailingStop(side Side, lv Levels, price float64) Levels {
	if side == Short {
		// For short position, track lowest price
		if lv.Extreme > 0 && price >= lv.Extreme {
			return lv
		}
		lv.Extreme = price
		if lv.TrailingPct > 0 {
			candidate := lv.Extreme * (1 + lv.TrailingPct)
			if lv.TrailingLevel <= 0 || candidate < lv.TrailingLevel {
				lv.TrailingLevel = candidate
			}
		}
		return lv
	}

	// For long position, track highest price
	if price <= lv.Extreme {
		return lv
	}
	lv.Extreme = price
	if lv.TrailingPct > 0 {
		if candidate := lv.Extreme * (1 - lv.TrailingPct); candidate > lv.TrailingLevel {
			lv.TrailingLevel = candidate
		}
	}
	return lv
}
