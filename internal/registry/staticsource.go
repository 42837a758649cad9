package registry

import (
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/domain"
)

// seedInstrument is one row of the static seed table below.
type seedInstrument struct {
	symbol   string
	exchange string
	kind     domain.InstrumentType
	lotSize  int
	tick     string
	aliases  map[string]string // broker_name -> broker_symbol
}

// StaticSource is a fixed, in-memory Source used until a real contract
// master feed is wired in: a handful of liquid NSE/NSE_INDEX instruments plus
// their per-broker aliases, enough to exercise Lookup/Resolve end to end in
// development and in tests. RefreshJob re-fetches it on the same cadence a
// real feed would use, even though the data never changes.
type StaticSource struct {
	seed []seedInstrument
}

// NewStaticSource builds the default seed table.
func NewStaticSource() *StaticSource {
	return &StaticSource{seed: defaultSeed}
}

var defaultSeed = []seedInstrument{
	{symbol: "RELIANCE", exchange: "NSE", kind: domain.InstrumentEQ, lotSize: 1, tick: "0.05",
		aliases: map[string]string{"sessiontoken-demo": "RELIANCE-EQ", "apikeypair-demo": "RELIANCE", "oauth2-demo": "RELIANCE_NSE"}},
	{symbol: "TCS", exchange: "NSE", kind: domain.InstrumentEQ, lotSize: 1, tick: "0.05",
		aliases: map[string]string{"sessiontoken-demo": "TCS-EQ", "apikeypair-demo": "TCS", "oauth2-demo": "TCS_NSE"}},
	{symbol: "INFY", exchange: "NSE", kind: domain.InstrumentEQ, lotSize: 1, tick: "0.05",
		aliases: map[string]string{"sessiontoken-demo": "INFY-EQ", "apikeypair-demo": "INFY", "oauth2-demo": "INFY_NSE"}},
	{symbol: "NIFTY", exchange: "NSE_INDEX", kind: domain.InstrumentINDEX, lotSize: 50, tick: "0.05",
		aliases: map[string]string{"sessiontoken-demo": "NIFTY-INDEX", "apikeypair-demo": "NIFTY50", "oauth2-demo": "NIFTY_IDX"}},
	{symbol: "BANKNIFTY", exchange: "NSE_INDEX", kind: domain.InstrumentINDEX, lotSize: 15, tick: "0.05",
		aliases: map[string]string{"sessiontoken-demo": "BANKNIFTY-INDEX", "apikeypair-demo": "BANKNIFTY", "oauth2-demo": "BANKNIFTY_IDX"}},
}

// Fetch implements Source.
func (s *StaticSource) Fetch() ([]domain.Instrument, map[aliasKeyExport]string, error) {
	instruments := make([]domain.Instrument, 0, len(s.seed))
	aliases := make(map[aliasKeyExport]string)
	for _, row := range s.seed {
		inst := domain.Instrument{
			NormalizedSymbol: row.symbol,
			Exchange:         row.exchange,
			InstrumentType:   row.kind,
			LotSize:          row.lotSize,
			TickSize:         decimal.RequireFromString(row.tick),
		}
		instruments = append(instruments, inst)
		for brokerName, brokerSymbol := range row.aliases {
			aliases[NewAliasKey(brokerName, row.exchange, brokerSymbol)] = inst.CanonicalID()
		}
	}
	return instruments, aliases, nil
}
