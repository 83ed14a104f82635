package microstructure

// ClassifyTrade applies the Lee-Ready quote rule with a tick-rule fallback.
// A trade above mid is buyer-initiated, below mid seller-initiated. At mid, or with no usable
// quote (bid or ask <= 0), it is compared against prevPrice; prevPrice <= 0 means none.
func ClassifyTrade(price, bid, ask, prevPrice float64) Classification {
	if bid > 0 && ask > 0 {
		mid := (bid + ask) / 2.0
		if price > mid {
			return Buy
		}
		if price < mid {
			return Sell
		}
	}
	return tickRule(price, prevPrice)
}

func tickRule(price, prevPrice float64) Classification {
	if prevPrice <= 0 {
		return Unknown
	}
	switch {
	case price > prevPrice:
		return Buy
	case price < prevPrice:
		return Sell
	default:
		return Unknown
	}
}
