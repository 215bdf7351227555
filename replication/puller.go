package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash"
	"go.uber.org/ratelimit"
)

type State int

const (
	Idle State = iota
	FetchingChangeFeed
	Comparing
	Fetching
	Classifying
	Resolving
	Paused
)

var stateNames = []string{"Idle", "FetchingChangeFeed", "Comparing", "Fetching", "Classifying", "Resolving", "Paused"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Outcome is what happened to one change feed entry.
type Outcome int

const (
	UpToDate Outcome = iota
	FastForward
	AlreadyAhead
	KeptMine
	KeptTheirs
	Merged
	Skipped
)

var outcomeNames = []string{"UpToDate", "FastForward", "AlreadyAhead", "KeptMine", "KeptTheirs", "Merged", "Skipped"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

var ErrPaused = errors.New("replication: paused")

// errRaced is returned by install when a local write moved the head after
// the change was classified.
var errRaced = fmt.Errorf("replication: local head moved: %w", lounge_errors.ErrConflict)

// maxRaces bounds how often one change is classified again after losing
// to local writes.
const maxRaces = 3

type Options struct {
	Continuous bool
	// Filter is passed to the remote change feed.
	Filter   string
	Resolver Resolver
	// PollInterval is the shortest time between two change feed requests
	// in continuous mode.
	PollInterval time.Duration
	// MaxRetryInterval caps the backoff after transport failures.
	MaxRetryInterval time.Duration
	// BatchSize is the number of changes requested per change feed page.
	BatchSize int
	// ID keys the checkpoint; it defaults to a hash of the remote id and
	// the filter.
	ID     string
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Resolver == nil {
		o.Resolver = ResolveMine
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxRetryInterval <= 0 {
		o.MaxRetryInterval = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// Stats counts entries by outcome over the life of a puller.
type Stats struct {
	Cycles  int
	Changes map[Outcome]int
}

type Puller struct {
	db     *lounge.DB
	remote Remote
	opts   Options
	id     string
	log    utils.Logger

	limiter ratelimit.Limiter

	mu         sync.Mutex
	state      State
	checkpoint string
	loaded     bool
	pause      chan struct{}
	stats      Stats
}

func NewPuller(db *lounge.DB, remote Remote, opts Options) *Puller {
	opts.SetDefaults()
	id := opts.ID
	if id == "" {
		id = ReplicationID(remote.ID(), opts.Filter)
	}
	return &Puller{
		db:      db,
		remote:  remote,
		opts:    opts,
		id:      id,
		log:     opts.Logger,
		limiter: ratelimit.New(1, ratelimit.Per(opts.PollInterval), ratelimit.WithoutSlack),
		pause:   make(chan struct{}),
		stats:   Stats{Changes: make(map[Outcome]int)},
	}
}

// ReplicationID derives a stable checkpoint name for pulling from remote
// through filter.
func ReplicationID(remote, filter string) string {
	return strconv.FormatUint(xxhash.Sum64String(remote+"\x00"+filter), 16)
}

func (p *Puller) ID() string { return p.id }

func (p *Puller) checkpointKey() string { return "_local/replication/" + p.id }

func (p *Puller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Puller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	PullerState.WithLabelValues(p.id).Set(float64(s))
}

// Checkpoint is the remote sequence up to which changes have been applied.
func (p *Puller) Checkpoint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkpoint
}

func (p *Puller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Stats{Cycles: p.stats.Cycles, Changes: make(map[Outcome]int, len(p.stats.Changes))}
	for k, v := range p.stats.Changes {
		out.Changes[k] = v
	}
	return out
}

// Pause stops a running pull after the change in progress. The checkpoint
// stays at the last applied change; a later Run resumes from it.
func (p *Puller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.pause:
	default:
		close(p.pause)
	}
}

func (p *Puller) pauseCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pause
}

func (p *Puller) paused() bool {
	select {
	case <-p.pauseCh():
		return true
	default:
		return false
	}
}

// Run pulls until the feed is drained, or in continuous mode until ctx ends
// or Pause is called. A conflict while storing a merged revision and any
// local storage failure end the run with an error.
func (p *Puller) Run(ctx context.Context) error {
	p.mu.Lock()
	select {
	case <-p.pause:
		p.pause = make(chan struct{})
	default:
	}
	p.mu.Unlock()

	ctx = utils.WithDefaultArgs(ctx, "replication", p.id, "remote", p.remote.ID())
	if err := p.loadCheckpoint(ctx); err != nil {
		return err
	}
	if !p.opts.Continuous {
		err := p.cycle(ctx)
		if errors.Is(err, ErrPaused) {
			p.setState(Paused)
			return nil
		}
		p.setState(Idle)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = p.opts.MaxRetryInterval
	bo.MaxElapsedTime = 0
	for {
		err := p.cycle(ctx)
		var wait time.Duration
		switch {
		case errors.Is(err, ErrPaused):
			p.setState(Paused)
			return nil
		case err == nil:
			bo.Reset()
		case errors.Is(err, ErrTransport):
			wait = bo.NextBackOff()
			p.log.WarnCtx(ctx, "pull cycle failed, retrying", "err", err, "in", wait)
		default:
			p.setState(Idle)
			return err
		}
		p.setState(Idle)
		if err := p.sleep(ctx, wait); err != nil {
			if errors.Is(err, ErrPaused) {
				p.setState(Paused)
				return nil
			}
			return err
		}
	}
}

// sleep waits d, then for the poll limiter.
func (p *Puller) sleep(ctx context.Context, d time.Duration) error {
	pause := p.pauseCh()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-pause:
			return ErrPaused
		}
	}
	took := make(chan struct{})
	go func() {
		p.limiter.Take()
		close(took)
	}()
	select {
	case <-took:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pause:
		return ErrPaused
	}
}

func (p *Puller) loadCheckpoint(ctx context.Context) error {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()
	if loaded {
		return nil
	}
	val, err := p.db.Store().GetLocal(ctx, p.checkpointKey())
	switch {
	case errors.Is(err, lounge_errors.ErrNotFound):
	case err != nil:
		return err
	}
	p.mu.Lock()
	p.checkpoint = string(val)
	p.loaded = true
	p.mu.Unlock()
	if len(val) > 0 {
		p.log.DebugCtx(ctx, "resuming pull", "since", string(val))
	}
	return nil
}

func (p *Puller) saveCheckpoint(ctx context.Context, seq string) error {
	if seq == "" || seq == p.Checkpoint() {
		return nil
	}
	if err := p.db.Store().PutLocal(ctx, p.checkpointKey(), []byte(seq)); err != nil {
		return err
	}
	p.mu.Lock()
	p.checkpoint = seq
	p.mu.Unlock()
	return nil
}

func (p *Puller) count(o Outcome) {
	p.mu.Lock()
	p.stats.Changes[o]++
	p.mu.Unlock()
	ChangeOutcomes.WithLabelValues(p.id, o.String()).Inc()
}

// cycle reads the change feed page by page until a short page and applies
// every entry.
func (p *Puller) cycle(ctx context.Context) (err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrPaused):
			result = "paused"
		case err != nil:
			result = "error"
		}
		CycleCount.WithLabelValues(p.id, result).Inc()
		p.mu.Lock()
		p.stats.Cycles++
		p.mu.Unlock()
	}()
	if p.paused() {
		return ErrPaused
	}
	for {
		since := p.Checkpoint()
		p.setState(FetchingChangeFeed)
		feed, err := p.remote.Changes(ctx, since, p.opts.Filter, p.opts.BatchSize)
		if err != nil {
			if errors.Is(err, lounge_errors.ErrMalformed) {
				err = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			return err
		}
		p.log.DebugCtx(ctx, "change feed", "since", since, "results", len(feed.Results), "last_seq", feed.LastSeq)
		if err := p.applyFeed(ctx, feed); err != nil {
			return err
		}
		if len(feed.Results) < p.opts.BatchSize || feed.LastSeq == "" || feed.LastSeq == since {
			break
		}
	}
	p.setState(Idle)
	return nil
}

func (p *Puller) applyFeed(ctx context.Context, feed *Feed) error {
	for _, c := range feed.Results {
		if p.paused() {
			return ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := p.apply(ctx, c)
		for races := 1; errors.Is(err, errRaced) && races < maxRaces; races++ {
			p.log.DebugCtx(ctx, "local write during pull, classifying again", "key", c.ID)
			outcome, err = p.apply(ctx, c)
		}
		switch {
		case err == nil:
		case errors.Is(err, lounge_errors.ErrMalformed),
			errors.Is(err, lounge_errors.ErrNotFound),
			errors.Is(err, lounge_errors.ErrRevisionNotFound):
			p.log.WarnCtx(ctx, "skipping change", "key", c.ID, "seq", c.Seq, "err", err)
			outcome = Skipped
		default:
			return err
		}
		p.count(outcome)
		if err := p.saveCheckpoint(ctx, c.Seq); err != nil {
			return err
		}
	}
	return p.saveCheckpoint(ctx, feed.LastSeq)
}

// apply brings one document up to the remote revision named by c.
func (p *Puller) apply(ctx context.Context, c Change) (Outcome, error) {
	if c.Err != nil {
		return Skipped, c.Err
	}
	st := p.db.Store()

	p.setState(Comparing)
	cur, _, err := st.CurrentRevision(ctx, c.ID)
	missing := errors.Is(err, lounge_errors.ErrNotFound)
	if err != nil && !missing {
		return 0, err
	}
	if !missing && cur == c.Rev {
		return UpToDate, nil
	}

	p.setState(Fetching)
	theirs, err := p.remote.Fetch(ctx, c.ID, c.Rev)
	if err != nil {
		return 0, err
	}
	remoteChain, err := theirs.Revisions.Chain()
	if err != nil {
		return 0, lounge_errors.Malformed("document %q: %v", c.ID, err)
	}

	p.setState(Classifying)
	if missing {
		return FastForward, p.install(ctx, nil, theirs, remoteChain[1:])
	}
	if cur == theirs.Rev {
		return UpToDate, nil
	}
	_, hist, err := st.History(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	localChain := append([]rev.ID{cur.ID}, hist...)
	if rev.Overlap(localChain, remoteChain) {
		return FastForward, p.install(ctx, &cur.ID, theirs, remoteChain[1:])
	}
	if rev.Overlap(remoteChain, localChain) {
		return AlreadyAhead, nil
	}

	p.setState(Resolving)
	mine, err := p.db.GetRevision(ctx, c.ID, cur)
	if errors.Is(err, lounge_errors.ErrRevisionNotFound) {
		return 0, fmt.Errorf("%w: %q", errRaced, c.ID)
	}
	if err != nil {
		return 0, err
	}
	res := p.opts.Resolver(c.ID, mine, theirs)
	if res.Verdict > KeepMerged {
		return 0, lounge_errors.Invalid("resolver verdict %d for %q", res.Verdict, c.ID)
	}
	p.log.InfoCtx(ctx, "resolved fork", "key", c.ID, "mine", cur.String(), "theirs", theirs.Rev.String(), "verdict", res.Verdict.String())
	switch res.Verdict {
	case KeepMine:
		return KeptMine, nil
	case KeepTheirs:
		// the remote ancestry stays contiguous so later remote revisions
		// still fast-forward; local-only revisions follow it while there
		// is room and are the first to go
		history := append([]rev.ID{}, remoteChain[1:]...)
		for _, id := range localChain {
			if !rev.Contains(remoteChain, id) {
				history = append(history, id)
			}
		}
		history = rev.Truncate(history, st.Options().MaxHistory)
		return KeptTheirs, p.install(ctx, &cur.ID, theirs, history)
	default: // KeepMerged
		if _, err := p.db.Put(ctx, c.ID, &cur, res.Merged); err != nil {
			return 0, fmt.Errorf("storing merge of %q: %w", c.ID, err)
		}
		return Merged, nil
	}
}

// install replaces the local head expected, nil for an absent key, with the
// remote revision.
func (p *Puller) install(ctx context.Context, expected *rev.ID, theirs *RemoteDoc, history []rev.ID) error {
	rec := &store.Record{
		Key:     theirs.Key,
		DocSeq:  theirs.Rev.Gen,
		Rev:     theirs.Rev.ID,
		Deleted: theirs.Deleted,
		History: history,
	}
	if !theirs.Deleted {
		body, err := p.db.Codec().Encode(theirs.Body)
		if err != nil {
			return lounge_errors.Malformed("document %q: %v", theirs.Key, err)
		}
		rec.Body = body
	}
	_, err := p.db.Store().Replace(ctx, expected, rec)
	if errors.Is(err, lounge_errors.ErrConflict) {
		return fmt.Errorf("%w: %q", errRaced, theirs.Key)
	}
	return err
}
