// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"fmt"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
)

// Stable record layouts. Every record written to a storage buffer or a
// storage actor starts with a 2-byte layout version so old records stay
// readable after upgrades.
const (
	tradeLogVersion    uint16 = 1
	positionLogVersion uint16 = 1

	// TradeLogStableSize is the serialized size of one trade log record.
	TradeLogStableSize = 153
	// PositionLogStableSize is the serialized size of one position log
	// record.
	PositionLogStableSize = 108
)

// serializeTradeLog encodes a settled trade log into its fixed stable
// layout. Both payout legs must be terminal.
func serializeTradeLog(t *TradeLog) []byte {
	if t.CyclesPayout == nil || t.TokenPayout == nil {
		panic("serializeTradeLog called with a pending payout leg")
	}
	b := make([]byte, TradeLogStableSize)
	encode.IntCoder.PutUint16(b[0:2], tradeLogVersion)
	encode.IntCoder.PutUint64(b[2:10], t.PositionIDMatcher)
	encode.IntCoder.PutUint64(b[10:18], t.PositionIDMatchee)
	encode.IntCoder.PutUint64(b[18:26], t.ID)
	matchee := t.MatcheePositor.AsThirtyBytes()
	copy(b[26:56], matchee[:])
	matcher := t.MatcherPositor.AsThirtyBytes()
	copy(b[56:86], matcher[:])
	encode.IntCoder.PutUint64(b[86:94], t.Tokens)
	encode.IntCoder.PutUint64(b[94:102], t.Cycles)
	encode.IntCoder.PutUint64(b[102:110], t.Rate)
	b[110] = byte(t.MatcheeKind)
	encode.IntCoder.PutUint64(b[111:119], t.Ts)
	encode.IntCoder.PutUint64(b[119:127], t.TokenPayoutFee)
	encode.IntCoder.PutUint64(b[127:135], t.CyclesPayoutFee)
	b[135] = encode.BoolByte(t.CyclesPayout.DidTransfer)
	encode.IntCoder.PutUint64(b[136:144], t.CyclesPayout.LedgerTransferFee)
	b[144] = encode.BoolByte(t.TokenPayout.DidTransfer)
	encode.IntCoder.PutUint64(b[145:153], t.TokenPayout.LedgerTransferFee)
	return b
}

// DeserializeTradeLog decodes one stable trade log record.
func DeserializeTradeLog(b []byte) (*TradeLog, error) {
	if len(b) < TradeLogStableSize {
		return nil, fmt.Errorf("trade log record too short: %d bytes", len(b))
	}
	if v := encode.IntCoder.Uint16(b[0:2]); v != tradeLogVersion {
		return nil, fmt.Errorf("unknown trade log layout version %d", v)
	}
	var matchee, matcher [30]byte
	copy(matchee[:], b[26:56])
	copy(matcher[:], b[56:86])
	return &TradeLog{
		PositionIDMatcher: encode.BytesToUint64(b[2:10]),
		PositionIDMatchee: encode.BytesToUint64(b[10:18]),
		ID:                encode.BytesToUint64(b[18:26]),
		MatcheePositor:    cm.ThirtyBytesAsPrincipal(&matchee),
		MatcherPositor:    cm.ThirtyBytesAsPrincipal(&matcher),
		Tokens:            encode.BytesToUint64(b[86:94]),
		Cycles:            encode.BytesToUint64(b[94:102]),
		Rate:              encode.BytesToUint64(b[102:110]),
		MatcheeKind:       PositionKind(b[110]),
		Ts:                encode.BytesToUint64(b[111:119]),
		TokenPayoutFee:    encode.BytesToUint64(b[119:127]),
		CyclesPayoutFee:   encode.BytesToUint64(b[127:135]),
		CyclesPayout: &PayoutData{
			DidTransfer:       encode.ByteBool(b[135]),
			LedgerTransferFee: encode.BytesToUint64(b[136:144]),
		},
		TokenPayout: &PayoutData{
			DidTransfer:       encode.ByteBool(b[144]),
			LedgerTransferFee: encode.BytesToUint64(b[145:153]),
		},
	}, nil
}

// PositionLog is the stable-storage view of a position's lifecycle. One
// record is buffered at creation with Terminated false, and the same record
// id is re-pushed with the terminal data once the void payout settles.
type PositionLog struct {
	ID           cm.PositionID
	Positor      cm.Principal
	Kind         PositionKind
	QuestAmount  uint64
	Rate         cm.Rate
	CreateTs     uint64
	Terminated   bool
	VoidTs       uint64
	Cause        VoidCause
	FillQuantity uint64
	FillVolume   cm.Cycles
	FeesSum      uint64
	// PayoutDustCollection is true when the residual was kept rather than
	// transferred because it could not cover a ledger fee.
	PayoutDustCollection    bool
	PayoutLedgerTransferFee uint64
}

func serializePositionLog(p *PositionLog) []byte {
	b := make([]byte, PositionLogStableSize)
	encode.IntCoder.PutUint16(b[0:2], positionLogVersion)
	encode.IntCoder.PutUint64(b[2:10], p.ID)
	positor := p.Positor.AsThirtyBytes()
	copy(b[10:40], positor[:])
	b[40] = byte(p.Kind)
	encode.IntCoder.PutUint64(b[41:49], p.QuestAmount)
	encode.IntCoder.PutUint64(b[49:57], p.Rate)
	encode.IntCoder.PutUint64(b[57:65], p.CreateTs)
	b[65] = encode.BoolByte(p.Terminated)
	encode.IntCoder.PutUint64(b[66:74], p.VoidTs)
	b[74] = byte(p.Cause)
	encode.IntCoder.PutUint64(b[75:83], p.FillQuantity)
	encode.IntCoder.PutUint64(b[83:91], p.FillVolume)
	encode.IntCoder.PutUint64(b[91:99], p.FeesSum)
	b[99] = encode.BoolByte(p.PayoutDustCollection)
	encode.IntCoder.PutUint64(b[100:108], p.PayoutLedgerTransferFee)
	return b
}

// DeserializePositionLog decodes one stable position log record.
func DeserializePositionLog(b []byte) (*PositionLog, error) {
	if len(b) < PositionLogStableSize {
		return nil, fmt.Errorf("position log record too short: %d bytes", len(b))
	}
	if v := encode.IntCoder.Uint16(b[0:2]); v != positionLogVersion {
		return nil, fmt.Errorf("unknown position log layout version %d", v)
	}
	var positor [30]byte
	copy(positor[:], b[10:40])
	return &PositionLog{
		ID:                      encode.BytesToUint64(b[2:10]),
		Positor:                 cm.ThirtyBytesAsPrincipal(&positor),
		Kind:                    PositionKind(b[40]),
		QuestAmount:             encode.BytesToUint64(b[41:49]),
		Rate:                    encode.BytesToUint64(b[49:57]),
		CreateTs:                encode.BytesToUint64(b[57:65]),
		Terminated:              encode.ByteBool(b[65]),
		VoidTs:                  encode.BytesToUint64(b[66:74]),
		Cause:                   VoidCause(b[74]),
		FillQuantity:            encode.BytesToUint64(b[75:83]),
		FillVolume:              encode.BytesToUint64(b[83:91]),
		FeesSum:                 encode.BytesToUint64(b[91:99]),
		PayoutDustCollection:    encode.ByteBool(b[99]),
		PayoutLedgerTransferFee: encode.BytesToUint64(b[100:108]),
	}, nil
}
