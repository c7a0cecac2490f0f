// Package pipeline runs one compliance computation from decoded feeds to an
// assembled report.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/attribution"
	"mandatory-use-audit/internal/config"
	"mandatory-use-audit/internal/dispense"
	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/identity"
	"mandatory-use-audit/internal/naive"
	"mandatory-use-audit/internal/overlap"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/report"
	"mandatory-use-audit/internal/telemetry"
)

// ErrNoDispensations is returned when nothing survives normalization and no
// explicit period was configured to name the report after.
var ErrNoDispensations = errors.New("no dispensations left after normalization")

type Options struct {
	LookbackDays  int
	VetPolicy     dispense.VetPolicy
	FullRatio     float64
	PartialRatio  float64
	Secondary     bool
	OverlapMode   overlap.Mode
	OverlapRatio  float64
	NaiveRatio    float64
	Markers       aggregate.Markers
	DoseThreshold float64
	// Period bounds overlap credit and names the report. When zero, the
	// written-date range of the normalized dispensations is used.
	Period  period.Period
	Workers int
}

// OptionsFrom maps run configuration onto pipeline options. Only explicitly
// configured written-date bounds become the compute period.
func OptionsFrom(cfg *config.Config) (Options, error) {
	opts := Options{
		LookbackDays:  cfg.DaysBefore,
		VetPolicy:     cfg.VetPolicyValue(),
		FullRatio:     cfg.Ratio,
		PartialRatio:  cfg.PartialRatio,
		Secondary:     cfg.Supplement,
		OverlapMode:   cfg.OverlapMode(),
		OverlapRatio:  cfg.OverlapRatio,
		NaiveRatio:    cfg.NaiveRatio,
		Markers:       cfg.Markers(),
		DoseThreshold: cfg.DoseThreshold,
		Workers:       cfg.WorkerCount(),
	}
	if cfg.ExplicitPeriod() {
		p, err := cfg.Period(time.Now())
		if err != nil {
			return Options{}, err
		}
		opts.Period = p
	}
	return opts, nil
}

// Result carries the report plus the intermediate sets diagnostics export.
type Result struct {
	Report        report.Report
	Dispensations []record.Dispensation
	Overlap       overlap.Result
	Naive         map[record.FinalID]int
	Stats         dispense.Stats
	Ambiguous     []string
}

type Runner struct {
	Logger  zerolog.Logger
	Tracing *telemetry.Tracing
	Metrics *telemetry.Metrics
}

func (r *Runner) Run(ctx context.Context, in feed.Inputs, opts Options) (Result, error) {
	ctx, span := r.Tracing.Start(ctx, "run", attribute.Bool("secondary", opts.Secondary))
	res, err := r.run(ctx, in, opts)
	telemetry.End(span, err)
	return res, err
}

func (r *Runner) run(ctx context.Context, in feed.Inputs, opts Options) (Result, error) {
	var (
		res     Result
		ids     *identity.Map
		current []record.Dispensation
	)

	err := r.stage(ctx, "normalize", func(context.Context) error {
		ids = identity.NewMap(in.Registry)
		res.Ambiguous = ids.Ambiguous()
		for _, identifier := range res.Ambiguous {
			r.Logger.Warn().Str("identifier", identifier).Msg("identifier registered to more than one user; using lowest id")
		}

		current, res.Stats = dispense.Normalize(in.Dispensations, ids, dispense.Options{
			LookbackDays: opts.LookbackDays,
			VetPolicy:    opts.VetPolicy,
		})
		r.Logger.Info().
			Int("read", res.Stats.Read).
			Int("kept", res.Stats.Kept).
			Int("invalid_identifier", res.Stats.InvalidID).
			Int("veterinary", res.Stats.Veterinary).
			Int("identifier_rows", len(ids.Rows())).
			Msg("dispensations prepared")
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if opts.Period.IsZero() {
		observed, ok := observedPeriod(current)
		if !ok {
			return Result{}, ErrNoDispensations
		}
		opts.Period = observed
	}
	r.Metrics.SetPeriod(opts.Period.String())
	r.Logger.Info().Str("period", opts.Period.String()).Msg("computing period")

	var (
		normalized = current
		attributed []record.Dispensation
		overlapRes overlap.Result
		naiveRes   map[record.FinalID]int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.stage(gctx, "attribute", func(context.Context) error {
			engine := attribution.NewEngine(attribution.Options{
				FullRatio:    opts.FullRatio,
				PartialRatio: opts.PartialRatio,
				Workers:      opts.Workers,
			}, normalized, in.Searches)
			attributed = engine.Attribute(normalized)
			r.Logger.Info().Int("dispensations", len(attributed)).Msg("dispensations checked for searches")
			return nil
		})
	})
	if opts.Secondary {
		g.Go(func() error {
			return r.stage(gctx, "overlap", func(context.Context) error {
				therapies := dispense.Therapies(in.Therapies, ids, opts.VetPolicy)
				overlapRes = overlap.Detect(therapies, overlap.Options{
					Mode:    opts.OverlapMode,
					Ratio:   opts.OverlapRatio,
					Markers: opts.Markers,
					Period:  opts.Period,
					Workers: opts.Workers,
				})
				r.Logger.Info().
					Int("therapies", len(therapies)).
					Int("part_pairs", len(overlapRes.PartPairs)).
					Int("last_pairs", len(overlapRes.LastPairs)).
					Msg("overlaps checked")
				return nil
			})
		})
		g.Go(func() error {
			return r.stage(gctx, "naive", func(context.Context) error {
				refs := dispense.References(in.References, opts.VetPolicy)
				naiveRes = naive.NewClassifier(naive.Options{
					Ratio:   opts.NaiveRatio,
					Markers: opts.Markers,
					Workers: opts.Workers,
				}, refs).Count(dispense.Unique(normalized))
				r.Logger.Info().Int("references", len(refs)).Msg("opioid-naive prescriptions checked")
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	err = r.stage(ctx, "assemble", func(context.Context) error {
		agg := aggregate.Aggregate(attributed, aggregate.Options{
			Markers:       opts.Markers,
			DoseThreshold: opts.DoseThreshold,
		})
		res.Report = report.Assemble(report.Input{
			Aggregate: agg,
			Identity:  ids,
			Secondary: report.Secondary{
				Enabled: opts.Secondary,
				Mode:    opts.OverlapMode,
				Overlap: overlapRes,
				Naive:   naiveRes,
			},
			Period: opts.Period,
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.Dispensations = attributed
	res.Overlap = overlapRes
	res.Naive = naiveRes
	r.record(res)
	return res, nil
}

func (r *Runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := r.Tracing.Start(ctx, name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	telemetry.End(span, err)
	r.Metrics.ObserveStage(name, elapsed)
	r.Logger.Debug().Str("stage", name).Dur("elapsed", elapsed).Msg("stage finished")
	return err
}

func (r *Runner) record(res Result) {
	totals := res.Report.Totals
	r.Metrics.SetCount("dispensations_read", res.Stats.Read)
	r.Metrics.SetCount("dispensations_kept", res.Stats.Kept)
	r.Metrics.SetCount("invalid_identifier", res.Stats.InvalidID)
	r.Metrics.SetCount("veterinary", res.Stats.Veterinary)
	r.Metrics.SetCount("ambiguous_identifiers", len(res.Ambiguous))
	r.Metrics.SetCount("dispensations", totals.Dispensations)
	r.Metrics.SetCount("searched", totals.Searches)
	r.Metrics.SetCount("prescribers", totals.Prescribers)
	r.Metrics.SetCount("registered_prescribers", totals.Registered)
	r.Metrics.SetSearchRate(totals.SearchRate)
}

func observedPeriod(ds []record.Dispensation) (period.Period, bool) {
	var first, last time.Time
	for _, d := range ds {
		if d.WrittenDate.IsZero() {
			continue
		}
		if first.IsZero() || d.WrittenDate.Before(first) {
			first = d.WrittenDate
		}
		if d.WrittenDate.After(last) {
			last = d.WrittenDate
		}
	}
	if first.IsZero() {
		return period.Period{}, false
	}
	p, err := period.New(first, last)
	return p, err == nil
}
