// Package registry implements the Symbol & Contract Registry: a read-mostly
// table mapping (broker_name, exchange, broker_symbol) to a canonical
// Instrument and back, rebuilt atomically so readers never observe a
// partially-swapped table.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

type aliasKey struct {
	broker       string
	exchange     string
	brokerSymbol string
}

// table is the immutable snapshot swapped in atomically by Reload.
type table struct {
	byCanonical map[string]domain.Instrument   // canonical id -> instrument
	byAlias     map[aliasKey]string             // alias -> canonical id
	aliasesOf   map[string][]aliasKey           // canonical id -> aliases (inverse)
	builtAt     time.Time
}

// Source fetches and transforms the raw broker contract files into
// instruments and their per-broker aliases. Adapters (or an offline job)
// implement this per data source; the registry itself only owns the
// download->transform->swap lifecycle.
type Source interface {
	Fetch() ([]domain.Instrument, map[aliasKeyExport]string, error)
}

// aliasKeyExport mirrors aliasKey for Source implementers outside this
// package, which cannot construct the unexported aliasKey directly.
type aliasKeyExport struct {
	Broker       string
	Exchange     string
	BrokerSymbol string
}

// NewAliasKey constructs an exported alias key for use by Source implementations.
func NewAliasKey(broker, exchange, brokerSymbol string) aliasKeyExport {
	return aliasKeyExport{Broker: broker, Exchange: exchange, BrokerSymbol: brokerSymbol}
}

// Registry is the atomic-swap symbol table described in §4.3.
type Registry struct {
	log     zerolog.Logger
	current atomic.Pointer[table]
}

// New creates an empty registry; Reload must be called before Resolve will
// find anything.
func New(log zerolog.Logger) *Registry {
	r := &Registry{log: log.With().Str("component", "registry").Logger()}
	r.current.Store(&table{
		byCanonical: map[string]domain.Instrument{},
		byAlias:     map[aliasKey]string{},
		aliasesOf:   map[string][]aliasKey{},
	})
	return r
}

// Reload downloads, transforms, and atomically swaps in a new table. Readers
// mid-flight continue to see the old table in full until the swap completes;
// no reader ever observes a half-built table.
func (r *Registry) Reload(src Source) error {
	instruments, aliases, err := src.Fetch()
	if err != nil {
		return apperr.Wrap(apperr.InternalErr, "registry refresh failed", err)
	}

	next := &table{
		byCanonical: make(map[string]domain.Instrument, len(instruments)),
		byAlias:     make(map[aliasKey]string, len(aliases)),
		aliasesOf:   make(map[string][]aliasKey),
		builtAt:     time.Now(),
	}
	for _, inst := range instruments {
		next.byCanonical[inst.CanonicalID()] = inst
	}
	for exported, canonicalID := range aliases {
		ak := aliasKey{broker: exported.Broker, exchange: exported.Exchange, brokerSymbol: exported.BrokerSymbol}
		next.byAlias[ak] = canonicalID
		next.aliasesOf[canonicalID] = append(next.aliasesOf[canonicalID], ak)
	}

	r.current.Store(next)
	r.log.Info().Int("instruments", len(instruments)).Int("aliases", len(aliases)).Msg("registry reloaded")
	return nil
}

// Resolve maps a broker-specific symbol to its canonical Instrument.
func (r *Registry) Resolve(broker, exchange, brokerSymbol string) (domain.Instrument, error) {
	t := r.current.Load()
	canonicalID, ok := t.byAlias[aliasKey{broker: broker, exchange: exchange, brokerSymbol: brokerSymbol}]
	if !ok {
		return domain.Instrument{}, apperr.New(apperr.SymbolNotFound, "no alias for "+broker+"/"+exchange+"/"+brokerSymbol)
	}
	inst, ok := t.byCanonical[canonicalID]
	if !ok {
		return domain.Instrument{}, apperr.New(apperr.SymbolNotFound, "dangling alias for "+canonicalID)
	}
	return inst, nil
}

// Lookup returns the canonical Instrument for (symbol, exchange) directly.
func (r *Registry) Lookup(symbol, exchange string) (domain.Instrument, error) {
	t := r.current.Load()
	inst, ok := t.byCanonical[exchange+":"+symbol]
	if !ok {
		return domain.Instrument{}, apperr.New(apperr.SymbolNotFound, "unknown instrument "+exchange+":"+symbol)
	}
	return inst, nil
}

// BrokerSymbol returns the broker-specific symbol for a canonical
// instrument, the inverse of Resolve.
func (r *Registry) BrokerSymbol(canonicalID, broker string) (string, bool) {
	t := r.current.Load()
	for _, ak := range t.aliasesOf[canonicalID] {
		if ak.broker == broker {
			return ak.brokerSymbol, true
		}
	}
	return "", false
}

// Size reports the number of canonical instruments currently loaded.
func (r *Registry) Size() int {
	return len(r.current.Load().byCanonical)
}

// BuiltAt reports when the currently-active table was built.
func (r *Registry) BuiltAt() time.Time {
	return r.current.Load().builtAt
}

// ParseDate parses a registry date field, selecting the sandbox or live
// format per §4.3 ("sandbox-mode date parsing differs from live").
func ParseDate(value string, sandbox bool) (time.Time, error) {
	layout := "2006-01-02 15:04:05"
	if sandbox {
		layout = "2006-01-02"
	}
	return time.Parse(layout, value)
}

// RefreshJob adapts Reload to the scheduler.Job interface so it can be
// cron-scheduled (daily, per §4.3's "master table...refreshed daily").
type RefreshJob struct {
	Registry *Registry
	Source   Source
}

func (j RefreshJob) Name() string { return "registry-refresh" }

func (j RefreshJob) Run() error { return j.Registry.Reload(j.Source) }
