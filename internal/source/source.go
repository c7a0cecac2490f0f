// Package source retrieves feed extracts from an upstream system into the
// data directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/period"
)

var (
	// ErrNotFound marks a feed, view or object that does not exist upstream.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

const filterLayout = "2006-01-02"

// Request describes the extract window.
type Request struct {
	Period       period.Period
	LookbackDays int
}

// Filters returns the named view filters every extract is requested with.
func (r Request) Filters() map[string]string {
	return map[string]string{
		"first_of_month":   r.Period.First.Format(filterLayout),
		"last_of_month":    r.Period.Last.Format(filterLayout),
		"first_for_search": r.Period.SearchFirst(r.LookbackDays).Format(filterLayout),
		"last_for_search":  r.Period.SearchLast().Format(filterLayout),
	}
}

// Source yields the CSV body of one feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, name feed.Name, req Request) (io.ReadCloser, error)
}

// Dir reads feeds from another local directory, such as a mounted share.
type Dir struct {
	Root string
}

func (d Dir) Name() string { return "dir" }

func (d Dir) Fetch(_ context.Context, name feed.Name, _ Request) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Root, name.FileName()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name.FileName(), d.Root)
	}
	return f, err
}

type PullOptions struct {
	Dir             string
	Feeds           []feed.Name
	Request         Request
	MaxTries        uint
	InitialInterval time.Duration
	Parallel        int
	Logger          zerolog.Logger
}

// Pull writes every requested feed into opts.Dir. Transient failures are
// retried with exponential backoff; missing feeds and rejected credentials
// fail immediately.
func Pull(ctx context.Context, src Source, opts PullOptions) error {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tries := opts.MaxTries
	if tries == 0 {
		tries = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for _, name := range opts.Feeds {
		g.Go(func() error {
			log := opts.Logger.With().Str("source", src.Name()).Str("feed", string(name)).Logger()
			log.Info().Msg("pulling feed")

			b := backoff.NewExponentialBackOff()
			if opts.InitialInterval > 0 {
				b.InitialInterval = opts.InitialInterval
			}
			written, err := backoff.Retry(ctx, func() (int64, error) {
				n, err := fetchTo(ctx, src, name, opts)
				if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
					return 0, backoff.Permanent(err)
				}
				return n, err
			},
				backoff.WithBackOff(b),
				backoff.WithMaxTries(tries),
				backoff.WithNotify(func(err error, wait time.Duration) {
					log.Warn().Err(err).Dur("retry_in", wait).Msg("feed pull failed")
				}),
			)
			if err != nil {
				return fmt.Errorf("pull %s from %s: %w", name, src.Name(), err)
			}
			log.Info().Int64("bytes", written).Str("path", filepath.Join(opts.Dir, name.FileName())).Msg("wrote feed")
			return nil
		})
	}
	return g.Wait()
}

func fetchTo(ctx context.Context, src Source, name feed.Name, opts PullOptions) (int64, error) {
	body, err := src.Fetch(ctx, name, opts.Request)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(opts.Dir, "."+string(name)+"-*.csv")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), filepath.Join(opts.Dir, name.FileName()))
}
