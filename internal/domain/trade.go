package domain

// RawFill is an on-chain OrderFilled event as indexed by the orderbook subgraph.
// Amounts are in 1e6 fixed point; asset id "0" is USDC.
type RawFill struct {
	ID                string
	Timestamp         int64
	Maker             string
	MakerAssetID      string
	MakerAmountFilled int64
	Taker             string
	TakerAssetID      string
	TakerAmountFilled int64
	TransactionHash   string
}

// FillLeg is one side's view of an OrderFilled event.
type FillLeg struct {
	Maker, Taker               Address
	MakerAssetID, TakerAssetID string
	MakerAmount, TakerAmount   float64 // token units, already scaled from 1e6
}

// ForParticipant derives what addr did in the fill. Asset "0" is USDC: the
// party that gives USDC buys the other asset.
func (f FillLeg) ForParticipant(addr Address) (TradePayload, bool) {
	var giveAsset, getAsset string
	var giveAmt, getAmt float64
	switch addr {
	case f.Maker:
		giveAsset, getAsset = f.MakerAssetID, f.TakerAssetID
		giveAmt, getAmt = f.MakerAmount, f.TakerAmount
	case f.Taker:
		giveAsset, getAsset = f.TakerAssetID, f.MakerAssetID
		giveAmt, getAmt = f.TakerAmount, f.MakerAmount
	default:
		return TradePayload{}, false
	}

	var p TradePayload
	switch {
	case isUSDCAsset(giveAsset) && !isUSDCAsset(getAsset):
		p = TradePayload{AssetID: getAsset, Side: SideBuy, Size: getAmt}
		if getAmt > 0 {
			p.Price = giveAmt / getAmt
		}
	case isUSDCAsset(getAsset) && !isUSDCAsset(giveAsset):
		p = TradePayload{AssetID: giveAsset, Side: SideSell, Size: giveAmt}
		if giveAmt > 0 {
			p.Price = getAmt / giveAmt
		}
	default:
		// token-for-token (merge/split matching) carries no price
		return TradePayload{}, false
	}
	p.Market = p.AssetID
	return p, true
}

func isUSDCAsset(id string) bool {
	if id == "" {
		return true
	}
	for _, c := range id {
		if c != '0' && c != 'x' {
			return false
		}
	}
	return true
}
