package replication

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/codec"
	"github.com/Memeo/lounge/drivers/pebbledb"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/store"
	"github.com/Memeo/lounge/utils"
	"github.com/stretchr/testify/assert"
)

func openDB(t *testing.T, name string) *lounge.DB {
	return openDBWith(t, name, lounge.Options{})
}

func openDBWith(t *testing.T, name string, opts lounge.Options) *lounge.DB {
	ctx := context.Background()
	env, err := pebbledb.NewMem(pebbledb.Options{}).OpenEnv(ctx, "/"+name)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	opts.Logger = utils.NewNopLogger()
	db, _, err := lounge.Open(ctx, env, name, store.OpenFlags{Create: true}, opts)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func put(t *testing.T, db *lounge.DB, key string, parent *rev.Ref, body string) rev.Ref {
	r, err := db.Put(context.Background(), key, parent, codec.MustParseJSON(body))
	assert.NoError(t, err)
	return r
}

func pull(t *testing.T, dst *lounge.DB, remote Remote, opts Options) *Puller {
	opts.Logger = utils.NewNopLogger()
	p := NewPuller(dst, remote, opts)
	assert.NoError(t, p.Run(context.Background()))
	assert.Equal(t, Idle, p.State())
	return p
}

func TestPuller_FreshPull(t *testing.T) {
	ctx := context.Background()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	a1 := put(t, src, "a", nil, `{"n":1}`)
	a2 := put(t, src, "a", &a1, `{"n":2}`)
	put(t, src, "b", nil, `{"n":3}`)
	c1 := put(t, src, "c", nil, `{}`)
	_, err := src.Delete(ctx, "c", c1)
	assert.NoError(t, err)

	p := pull(t, dst, NewLocalRemote(src, nil), Options{})
	assert.Equal(t, "5", p.Checkpoint())
	stats := p.Stats()
	assert.Equal(t, 1, stats.Cycles)
	assert.Equal(t, 3, stats.Changes[FastForward])

	doc, err := dst.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, a2, doc.Rev)
	assert.Equal(t, []rev.ID{a1.ID}, doc.History)
	assert.Equal(t, `{"n":2}`, doc.Body.String())

	_, err = dst.Get(ctx, "c")
	assert.ErrorIs(t, err, lounge_errors.ErrNotFound)
	st, err := dst.Stat(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), st.DocumentCount)

	// the checkpoint survives the puller
	again := NewPuller(dst, NewLocalRemote(src, nil), Options{Logger: utils.NewNopLogger()})
	assert.NoError(t, again.Run(ctx))
	assert.Equal(t, "5", again.Checkpoint())
	assert.Empty(t, again.Stats().Changes)
	assert.Equal(t, uint64(3), dst.LastSequence())
}

func TestPuller_Idempotent(t *testing.T) {
	src, dst := openDB(t, "src"), openDB(t, "dst")
	for i := 0; i < 3; i++ {
		put(t, src, fmt.Sprintf("k%d", i), nil, fmt.Sprintf(`{"i":%d}`, i))
	}
	pull(t, dst, NewLocalRemote(src, nil), Options{})
	seq := dst.LastSequence()

	// a fresh replication id starts from the beginning of the feed
	p := pull(t, dst, NewLocalRemote(src, nil), Options{ID: "replay"})
	assert.Equal(t, 3, p.Stats().Changes[UpToDate])
	assert.Equal(t, seq, dst.LastSequence())
}

func TestPuller_FastForwardAndAhead(t *testing.T) {
	ctx := context.Background()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	a1 := put(t, src, "a", nil, `{"v":1}`)
	b1 := put(t, src, "b", nil, `{"v":1}`)
	p := pull(t, dst, NewLocalRemote(src, nil), Options{})

	a2 := put(t, src, "a", &a1, `{"v":2}`)
	b2 := put(t, dst, "b", &b1, `{"v":"local"}`)
	assert.NoError(t, p.Run(ctx))
	assert.Equal(t, 3, p.Stats().Changes[FastForward])

	doc, err := dst.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, a2, doc.Rev)

	p = pull(t, dst, NewLocalRemote(src, nil), Options{ID: "replay"})
	assert.Equal(t, 1, p.Stats().Changes[AlreadyAhead])
	assert.Equal(t, 1, p.Stats().Changes[UpToDate])
	doc, err = dst.Get(ctx, "b")
	assert.NoError(t, err)
	assert.Equal(t, b2, doc.Rev)
}

// fork leaves "doc" with a common first revision and one diverging
// revision on each side.
func fork(t *testing.T) (src, dst *lounge.DB, base, mine, theirs rev.Ref) {
	src, dst = openDB(t, "src"), openDB(t, "dst")
	base = put(t, src, "doc", nil, `{"v":0}`)
	pull(t, dst, NewLocalRemote(src, nil), Options{ID: "seed"})
	theirs = put(t, src, "doc", &base, `{"v":"theirs"}`)
	mine = put(t, dst, "doc", &base, `{"v":"mine"}`)
	return
}

func TestPuller_ForkKeepMine(t *testing.T) {
	src, dst, _, mine, _ := fork(t)
	var calls int
	p := pull(t, dst, NewLocalRemote(src, nil), Options{Resolver: func(key string, m *lounge.Document, th *RemoteDoc) Resolution {
		calls++
		assert.Equal(t, "doc", key)
		assert.Equal(t, `{"v":"mine"}`, m.Body.String())
		assert.Equal(t, `{"v":"theirs"}`, th.Body.String())
		return ResolveMine(key, m, th)
	}})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Stats().Changes[KeptMine])
	doc, err := dst.Get(context.Background(), "doc")
	assert.NoError(t, err)
	assert.Equal(t, mine, doc.Rev)
}

func TestPuller_ForkKeepTheirs(t *testing.T) {
	src, dst, base, mine, theirs := fork(t)
	p := pull(t, dst, NewLocalRemote(src, nil), Options{Resolver: ResolveTheirs})
	assert.Equal(t, 1, p.Stats().Changes[KeptTheirs])

	doc, err := dst.Get(context.Background(), "doc")
	assert.NoError(t, err)
	assert.Equal(t, theirs, doc.Rev)
	assert.Equal(t, `{"v":"theirs"}`, doc.Body.String())
	assert.Equal(t, []rev.ID{base.ID, mine.ID}, doc.History)

	// the next pass sees the remote chain as an ancestor
	p = pull(t, dst, NewLocalRemote(src, nil), Options{ID: "replay"})
	assert.Equal(t, 1, p.Stats().Changes[UpToDate])
}

func TestPuller_KeepTheirsThenFastForward(t *testing.T) {
	ctx := context.Background()
	src := openDB(t, "src")
	dst := openDBWith(t, "dst", lounge.Options{Store: store.Options{MaxHistory: 2}})
	base := put(t, src, "doc", nil, `{"v":0}`)
	pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r"})
	t1 := put(t, src, "doc", &base, `{"v":1}`)
	t2 := put(t, src, "doc", &t1, `{"v":2}`)
	put(t, dst, "doc", &base, `{"v":"mine"}`)

	p := pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r", Resolver: ResolveTheirs})
	assert.Equal(t, 1, p.Stats().Changes[KeptTheirs])
	doc, err := dst.Get(ctx, "doc")
	assert.NoError(t, err)
	assert.Equal(t, t2, doc.Rev)
	// the local-only revision is the one that does not fit
	assert.Equal(t, []rev.ID{t1.ID, base.ID}, doc.History)

	t3 := put(t, src, "doc", &t2, `{"v":3}`)
	var calls int
	p = pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r", Resolver: func(key string, m *lounge.Document, th *RemoteDoc) Resolution {
		calls++
		return ResolveMine(key, m, th)
	}})
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, p.Stats().Changes[FastForward])
	doc, err = dst.Get(ctx, "doc")
	assert.NoError(t, err)
	assert.Equal(t, t3, doc.Rev)
	assert.Equal(t, uint64(4), doc.Rev.Gen)
}

func TestPuller_UnknownVerdict(t *testing.T) {
	src, dst, _, mine, _ := fork(t)
	p := NewPuller(dst, NewLocalRemote(src, nil), Options{Logger: utils.NewNopLogger(), Resolver: func(string, *lounge.Document, *RemoteDoc) Resolution {
		return Resolution{Verdict: Verdict(7)}
	}})
	var err error
	assert.NotPanics(t, func() { err = p.Run(context.Background()) })
	assert.ErrorIs(t, err, lounge_errors.ErrInvalidArgument)
	assert.Equal(t, "", p.Checkpoint())
	doc, err := dst.Get(context.Background(), "doc")
	assert.NoError(t, err)
	assert.Equal(t, mine, doc.Rev)
}

func TestPuller_ForkKeepMerged(t *testing.T) {
	src, dst, _, mine, _ := fork(t)
	merged := codec.MustParseJSON(`{"v":["mine","theirs"]}`)
	p := pull(t, dst, NewLocalRemote(src, nil), Options{Resolver: func(string, *lounge.Document, *RemoteDoc) Resolution {
		return Resolution{Verdict: KeepMerged, Merged: merged}
	}})
	assert.Equal(t, 1, p.Stats().Changes[Merged])

	doc, err := dst.Get(context.Background(), "doc")
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), doc.Rev.Gen)
	assert.Equal(t, rev.Generate(merged, 2, &mine.ID, false), doc.Rev.ID)
	assert.Equal(t, mine.ID, doc.History[0])
}

func TestPuller_MergeConflictIsReturned(t *testing.T) {
	src, dst, _, mine, _ := fork(t)
	p := NewPuller(dst, NewLocalRemote(src, nil), Options{Logger: utils.NewNopLogger(), Resolver: func(key string, m *lounge.Document, _ *RemoteDoc) Resolution {
		// a local writer gets in between the read and the merge
		put(t, dst, key, &mine, `{"v":"racer"}`)
		return Resolution{Verdict: KeepMerged, Merged: codec.NewObject()}
	}})
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, lounge_errors.ErrConflict)
	assert.Equal(t, "", p.Checkpoint())
}

// gatedRemote holds its first Fetch until release is closed.
type gatedRemote struct {
	Remote
	fetching chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (g *gatedRemote) Fetch(ctx context.Context, key string, r rev.Ref) (*RemoteDoc, error) {
	g.once.Do(func() {
		close(g.fetching)
		<-g.release
	})
	return g.Remote.Fetch(ctx, key, r)
}

func TestPuller_LocalWriteDuringFetch(t *testing.T) {
	ctx := context.Background()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	a1 := put(t, src, "a", nil, `{"v":1}`)
	pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r"})
	put(t, src, "a", &a1, `{"v":"remote"}`)

	remote := &gatedRemote{Remote: NewLocalRemote(src, nil), fetching: make(chan struct{}), release: make(chan struct{})}
	var calls int
	p := NewPuller(dst, remote, Options{ID: "r", Logger: utils.NewNopLogger(), Resolver: func(key string, m *lounge.Document, th *RemoteDoc) Resolution {
		calls++
		return ResolveMine(key, m, th)
	}})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-remote.fetching
	l2 := put(t, dst, "a", &a1, `{"v":"local"}`)
	close(remote.release)
	assert.NoError(t, <-done)

	// the change is classified again against the new head and forks
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Stats().Changes[KeptMine])
	assert.Equal(t, "2", p.Checkpoint())
	doc, err := dst.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, l2, doc.Rev)
}

// racingRemote runs write before every Fetch.
type racingRemote struct {
	Remote
	write func()
}

func (r *racingRemote) Fetch(ctx context.Context, key string, rv rev.Ref) (*RemoteDoc, error) {
	r.write()
	return r.Remote.Fetch(ctx, key, rv)
}

func TestPuller_LocalWritesKeepWinning(t *testing.T) {
	ctx := context.Background()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	head := put(t, src, "a", nil, `{"v":1}`)
	pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r"})
	put(t, src, "a", &head, `{"v":"remote"}`)

	n := 0
	remote := &racingRemote{Remote: NewLocalRemote(src, nil), write: func() {
		n++
		head = put(t, dst, "a", &head, fmt.Sprintf(`{"local":%d}`, n))
	}}
	p := NewPuller(dst, remote, Options{ID: "r", Resolver: ResolveTheirs, Logger: utils.NewNopLogger()})
	err := p.Run(ctx)
	assert.ErrorIs(t, err, lounge_errors.ErrConflict)
	assert.Equal(t, maxRaces, n)
	assert.Equal(t, "1", p.Checkpoint())
	doc, err := dst.Get(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, head, doc.Rev)
}

type scriptedRemote struct {
	Remote
	feed    *Feed
	feedErr error
	broken  map[string]bool
}

func (s *scriptedRemote) ID() string { return "scripted" }

func (s *scriptedRemote) Changes(ctx context.Context, since string, filter string, limit int) (*Feed, error) {
	if s.feedErr != nil {
		return nil, s.feedErr
	}
	return s.feed, nil
}

func (s *scriptedRemote) Fetch(ctx context.Context, key string, r rev.Ref) (*RemoteDoc, error) {
	if s.broken[key] {
		return nil, lounge_errors.Malformed("document %q", key)
	}
	return s.Remote.Fetch(ctx, key, r)
}

func TestPuller_SkipsMalformed(t *testing.T) {
	ctx := context.Background()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	good := put(t, src, "good", nil, `{}`)
	bad := put(t, src, "bad", nil, `{}`)
	remote := &scriptedRemote{
		Remote: NewLocalRemote(src, nil),
		feed: &Feed{LastSeq: "9", Results: []Change{
			{Seq: "1", ID: "bad", Rev: bad},
			{Seq: "2", Err: lounge_errors.Malformed("change row without id")},
			{Seq: "3", ID: "good", Rev: good},
		}},
		broken: map[string]bool{"bad": true},
	}
	p := pull(t, dst, remote, Options{})
	assert.Equal(t, 2, p.Stats().Changes[Skipped])
	assert.Equal(t, 1, p.Stats().Changes[FastForward])
	assert.Equal(t, "9", p.Checkpoint())

	_, err := dst.Get(ctx, "bad")
	assert.ErrorIs(t, err, lounge_errors.ErrNotFound)
	_, err = dst.Get(ctx, "good")
	assert.NoError(t, err)
}

// pagedRemote records the change feed requests.
type pagedRemote struct {
	Remote
	since []string
	limit []int
}

func (r *pagedRemote) Changes(ctx context.Context, since string, filter string, limit int) (*Feed, error) {
	r.since = append(r.since, since)
	r.limit = append(r.limit, limit)
	return r.Remote.Changes(ctx, since, filter, limit)
}

func TestPuller_PagesFeed(t *testing.T) {
	src, dst := openDB(t, "src"), openDB(t, "dst")
	for i := 0; i < 5; i++ {
		put(t, src, fmt.Sprintf("k%d", i), nil, `{}`)
	}
	remote := &pagedRemote{Remote: NewLocalRemote(src, nil)}
	p := pull(t, dst, remote, Options{BatchSize: 2})
	assert.Equal(t, []string{"", "2", "4"}, remote.since)
	assert.Equal(t, []int{2, 2, 2}, remote.limit)
	assert.Equal(t, 1, p.Stats().Cycles)
	assert.Equal(t, 5, p.Stats().Changes[FastForward])
	assert.Equal(t, "5", p.Checkpoint())
}

func TestPuller_TransportErrorKeepsCheckpoint(t *testing.T) {
	src, dst := openDB(t, "src"), openDB(t, "dst")
	put(t, src, "a", nil, `{}`)
	pull(t, dst, NewLocalRemote(src, nil), Options{ID: "r"})

	remote := &scriptedRemote{feedErr: fmt.Errorf("%w: connection refused", ErrTransport)}
	p := NewPuller(dst, remote, Options{ID: "r", Logger: utils.NewNopLogger()})
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "1", p.Checkpoint())
}

func TestPuller_ContinuousAndPause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	src, dst := openDB(t, "src"), openDB(t, "dst")
	put(t, src, "a", nil, `{}`)

	p := NewPuller(dst, NewLocalRemote(src, nil), Options{
		Continuous:   true,
		PollInterval: 5 * time.Millisecond,
		Logger:       utils.NewNopLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return p.Checkpoint() == "1" }, 5*time.Second, time.Millisecond)
	put(t, src, "b", nil, `{}`)
	assert.Eventually(t, func() bool { return p.Checkpoint() == "2" }, 5*time.Second, time.Millisecond)

	p.Pause()
	assert.NoError(t, <-done)
	assert.Equal(t, Paused, p.State())
	_, err := dst.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestReplicationID(t *testing.T) {
	assert.Equal(t, ReplicationID("http://a/db", ""), ReplicationID("http://a/db", ""))
	assert.NotEqual(t, ReplicationID("http://a/db", ""), ReplicationID("http://a/db", "f"))
	assert.NotEqual(t, ReplicationID("http://a/d", "bf"), ReplicationID("http://a/db", "f"))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "FetchingChangeFeed", FetchingChangeFeed.String())
	assert.Equal(t, "AlreadyAhead", AlreadyAhead.String())
	assert.Equal(t, "KeepMerged", KeepMerged.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "Outcome(-1)", Outcome(-1).String())
	assert.Equal(t, "Verdict(7)", Verdict(7).String())
}
