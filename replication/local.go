package replication

import (
	"context"
	"strconv"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
)

// LocalRemote reads another database of the same process.
type LocalRemote struct {
	db      *lounge.DB
	filters map[string]lounge.ChangeFilter
}

var _ Remote = (*LocalRemote)(nil)

func NewLocalRemote(db *lounge.DB, filters map[string]lounge.ChangeFilter) *LocalRemote {
	return &LocalRemote{db: db, filters: filters}
}

func (l *LocalRemote) ID() string { return "local:" + l.db.Name() }

func (l *LocalRemote) Changes(ctx context.Context, since string, filter string, limit int) (*Feed, error) {
	var from uint64
	if since != "" {
		var err error
		if from, err = strconv.ParseUint(since, 10, 64); err != nil {
			return nil, lounge_errors.Invalid("since %q", since)
		}
	}
	var fn lounge.ChangeFilter
	if filter != "" {
		var ok bool
		if fn, ok = l.filters[filter]; !ok {
			return nil, lounge_errors.Invalid("unknown filter %q", filter)
		}
	}
	last := max(l.db.LastSequence(), from)
	feed := &Feed{}
	for c, err := range l.db.Changes(ctx, from, nil) {
		if err != nil {
			return nil, err
		}
		if fn != nil && !fn(c) {
			last = max(last, c.Seq)
			continue
		}
		feed.Results = append(feed.Results, Change{
			Seq:     strconv.FormatUint(c.Seq, 10),
			ID:      c.Key,
			Rev:     c.Rev,
			Deleted: c.Deleted,
		})
		if len(feed.Results) == limit {
			last = c.Seq
			break
		}
		last = max(last, c.Seq)
	}
	feed.LastSeq = strconv.FormatUint(last, 10)
	return feed, nil
}

func (l *LocalRemote) Fetch(ctx context.Context, key string, r rev.Ref) (*RemoteDoc, error) {
	doc, err := l.db.GetRevision(ctx, key, r)
	if err != nil {
		return nil, err
	}
	return &RemoteDoc{
		Key:       doc.Key,
		Rev:       doc.Rev,
		Deleted:   doc.Deleted,
		Revisions: doc.Revisions(),
		Body:      doc.Body.Clone(),
	}, nil
}
