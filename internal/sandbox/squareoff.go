package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/config"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/events"
	"github.com/quantgate/gateway/internal/metrics"
	"github.com/quantgate/gateway/internal/scheduler"
)

// SquareOffJob cancels every OPEN MIS order and reverses every non-zero MIS
// position for one exchange group, at that group's configured time (§4.8).
// One job exists per group; the scheduler wraps every entry in
// cron.SkipIfStillRunning, so a run that is due while the previous one is
// still going is skipped (coalesce, max_instances=1).
type SquareOffJob struct {
	engine *Engine
	group  string
}

func (j *SquareOffJob) Name() string { return "sandbox-square-off-" + j.group }

func (j *SquareOffJob) Run() error {
	return j.engine.RunSquareOff(context.Background(), j.group)
}

// RunSquareOff implements one square-off pass: cancel OPEN MIS orders in
// the group (releasing margin), then place reverse-MARKET fills for every
// non-zero MIS position at current LTP, updating realized P&L and funds.
func (e *Engine) RunSquareOff(ctx context.Context, group string) error {
	exchanges := ExchangeGroupExchanges(group)
	orders, err := e.repo.OpenMISOrdersForExchanges(ctx, exchanges)
	if err != nil {
		return err
	}

	usersTouched := make(map[string]bool)
	for _, o := range orders {
		if err := e.repo.CancelOpenOrder(ctx, o.OrderID); err != nil {
			e.log.Error().Err(err).Str("order_id", o.OrderID).Msg("square-off cancel failed")
			continue
		}
		funds, err := e.repo.Funds(ctx, o.UserID)
		if err != nil {
			continue
		}
		funds.Available = funds.Available.Add(o.MarginBlocked)
		funds.UsedMargin = funds.UsedMargin.Sub(o.MarginBlocked)
		if err := e.repo.UpsertFunds(ctx, funds); err != nil {
			e.log.Error().Err(err).Str("order_id", o.OrderID).Msg("square-off margin release failed")
		}
		usersTouched[o.UserID] = true
	}

	for _, exchange := range exchanges {
		positions, err := e.positionsForExchangeMIS(ctx, exchange, usersTouched)
		if err != nil {
			continue
		}
		for _, pos := range positions {
			if pos.NetQuantity == 0 {
				continue
			}
			if err := e.reversePosition(ctx, pos); err != nil {
				e.log.Error().Err(err).Str("user_id", pos.UserID).Str("symbol", pos.Symbol).Msg("square-off reversal failed")
			}
		}
	}

	e.ev.Emit(events.SandboxSquareOffRun, "sandbox", map[string]interface{}{"group": group, "orders_cancelled": len(orders)})
	metrics.SquareOffRuns.WithLabelValues(group).Inc()
	return nil
}

// positionsForExchangeMIS gathers non-zero MIS positions on exchange for
// every user touched by this square-off pass, plus anyone already known to
// have sandbox enabled (covers users with open MIS positions but no
// currently-OPEN order).
func (e *Engine) positionsForExchangeMIS(ctx context.Context, exchange string, touched map[string]bool) ([]Position, error) {
	users, err := e.repo.EnabledUsers(ctx)
	if err != nil {
		return nil, err
	}
	userSet := make(map[string]bool, len(users)+len(touched))
	for _, u := range users {
		userSet[u] = true
	}
	for u := range touched {
		userSet[u] = true
	}

	var out []Position
	for u := range userSet {
		positions, err := e.repo.ListPositions(ctx, u)
		if err != nil {
			continue
		}
		for _, p := range positions {
			if p.Exchange == exchange && p.Product == domain.ProductMIS && p.NetQuantity != 0 {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// reversePosition places an immediate reverse-MARKET fill flattening pos,
// reusing the position-update algorithm via applyFill, and releases the
// margin that position's exposure was blocking. A square-off reversal is
// always a full close of a MIS position (never a reversal into a new
// direction), so the margin this frees is recomputed, at the reversal
// price, for the entire closed quantity — the same "recompute from the
// actual execution price" rule applied to ordinary fills (§4.8).
func (e *Engine) reversePosition(ctx context.Context, pos Position) error {
	tick, err := e.quotes.GetQuote(ctx, pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}
	action := domain.ActionSell
	qty := pos.NetQuantity
	openAction := domain.ActionBuy
	if pos.NetQuantity < 0 {
		action = domain.ActionBuy
		qty = -pos.NetQuantity
		openAction = domain.ActionSell
	}

	newPos, realizedDelta, _ := applyFill(pos, action, qty, tick.LTP)
	if err := e.repo.UpsertPosition(ctx, newPos); err != nil {
		return err
	}

	inst, err := e.registry.Lookup(pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}
	cfg, err := e.repo.Config(ctx, pos.UserID)
	if err != nil {
		return err
	}
	closedReq := domain.OrderRequest{Action: openAction, Product: pos.Product, Quantity: qty}
	release := marginWithLeverage(closedReq, inst, tick.LTP, tick.LTP, cfg)

	funds, err := e.repo.Funds(ctx, pos.UserID)
	if err != nil {
		return err
	}
	funds.Available = funds.Available.Add(release)
	funds.UsedMargin = funds.UsedMargin.Sub(release)
	if !realizedDelta.IsZero() {
		funds.Available = funds.Available.Add(realizedDelta)
		funds.RealizedPnL = funds.RealizedPnL.Add(realizedDelta)
	}
	if err := e.repo.UpsertFunds(ctx, funds); err != nil {
		return err
	}
	return nil
}

// FundResetJob resets every sandbox-enabled user's funds to seed capital on
// the configured weekly schedule (§4.8).
type FundResetJob struct {
	engine *Engine
}

func NewFundResetJob(engine *Engine) *FundResetJob { return &FundResetJob{engine: engine} }

func (j *FundResetJob) Name() string { return "sandbox-fund-reset" }

func (j *FundResetJob) Run() error {
	return j.engine.RunFundReset(context.Background())
}

// RunFundReset resets SandboxFunds to each user's configured seed capital
// and increments reset_count (§4.8).
func (e *Engine) RunFundReset(ctx context.Context) error {
	users, err := e.repo.EnabledUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		cfg, err := e.repo.Config(ctx, userID)
		if err != nil {
			continue
		}
		funds, err := e.repo.Funds(ctx, userID)
		if err != nil {
			continue
		}
		funds.TotalCapital = cfg.SeedCapital
		funds.Available = cfg.SeedCapital
		funds.UsedMargin = decimal.Zero
		funds.RealizedPnL = decimal.Zero
		funds.ResetCount++
		funds.LastResetAt = time.Now().UTC()
		if err := e.repo.UpsertFunds(ctx, funds); err != nil {
			e.log.Error().Err(err).Str("user_id", userID).Msg("fund reset failed")
			continue
		}
	}
	e.ev.Emit(events.SandboxFundsReset, "sandbox", map[string]interface{}{"user_count": len(users)})
	return nil
}

// InstallSchedules registers the execution loop, every square-off job, and
// the weekly fund-reset job onto sched. cfg is not read. Square-off times
// are each exchange group's DefaultConfig value (§4.8), so the cron fires
// on one schedule common to all users; the per-user square-off times stored
// in sandbox_config are not consulted, here or by RunSquareOff.
func InstallSchedules(sched *scheduler.Scheduler, engine *Engine, _ *config.Config) error {
	loc, err := time.LoadLocation(DefaultConfig("").SquareOffTimezone)
	if err != nil {
		return err
	}

	defaults := DefaultConfig("")
	groups := map[string]string{
		"NSE_BSE_NFO_BFO": defaults.SquareOffNSEBSENFOBFO,
		"CDS_BCD":         defaults.SquareOffCDSBCD,
		"MCX":             defaults.SquareOffMCX,
		"NCDEX":           defaults.SquareOffNCDEX,
	}
	for group, hhmm := range groups {
		cronExpr, err := cronFromClock(hhmm, loc)
		if err != nil {
			return err
		}
		if err := sched.AddJob(cronExpr, &SquareOffJob{engine: engine, group: group}); err != nil {
			return err
		}
	}

	if err := sched.AddJob("@every 5s", NewExecutionLoop(engine)); err != nil {
		return err
	}
	// Weekly reset: Sunday 00:00 (§4.8 default) in the process's local time,
	// like the square-off entries; SquareOffTimezone is not applied (see
	// cronFromClock).
	if err := sched.AddJob(fmt.Sprintf("0 %d %d * * %d", defaults.FundResetMinute, defaults.FundResetHour, int(defaults.FundResetWeekday)), NewFundResetJob(engine)); err != nil {
		return err
	}
	return nil
}

// ReloadSquareOff hot-reloads a single group's cron entry without touching
// any other job (§4.8 "hot-reloadable"), per DESIGN NOTES §9's
// compare-and-swap-on-the-table model realized via Scheduler.ReplaceJob.
func ReloadSquareOff(sched *scheduler.Scheduler, engine *Engine, group, hhmm string, loc *time.Location) error {
	cronExpr, err := cronFromClock(hhmm, loc)
	if err != nil {
		return err
	}
	return sched.ReplaceJob(cronExpr, &SquareOffJob{engine: engine, group: group})
}

func cronFromClock(hhmm string, loc *time.Location) (string, error) {
	_ = loc // robfig/cron schedules in the process's local time; deployments pin TZ via the process environment.
	hour, minute, err := parseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("0 %d %d * * *", minute, hour), nil
}

func parseHHMM(hhmm string) (hour, minute int, err error) {
	_, err = fmt.Sscanf(hhmm, "%d:%d", &hour, &minute)
	return
}
