package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Memeo/lounge"
	"github.com/Memeo/lounge/lounge_errors"
	"github.com/Memeo/lounge/rev"
	"github.com/Memeo/lounge/utils"
)

// ErrTransport marks failures talking to a remote; a pull cycle that hits
// one is retried in continuous mode.
var ErrTransport = errors.New("replication: transport failure")

// ErrTooLarge is returned for a response body over maxBody. It is not a
// transport failure: retrying would fetch the same body again.
var ErrTooLarge = errors.New("replication: response too large")

var maxBody int64 = 64 << 20

// HTTPRemote reads a database over the CouchDB HTTP API: GET /_changes and
// GET /{key}?revs=true&rev=.
type HTTPRemote struct {
	base   *url.URL
	client *http.Client
}

var _ Remote = (*HTTPRemote)(nil)

// NewHTTPRemote takes the database URL, e.g. http://user:pw@host:5984/db.
func NewHTTPRemote(rawURL string, client *http.Client) (*HTTPRemote, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, lounge_errors.Invalid("remote url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, lounge_errors.Invalid("remote url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &HTTPRemote{base: u, client: client}, nil
}

// ID is the URL without credentials.
func (r *HTTPRemote) ID() string {
	u := *r.base
	u.User = nil
	return u.String()
}

func (r *HTTPRemote) get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	u := *r.base
	u.User = nil
	u.Path = r.base.Path + "/" + path
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, lounge_errors.Invalid("request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if user := r.base.User; user != nil {
		pw, _ := user.Password()
		req.SetBasicAuth(user.Username(), pw)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if int64(len(body)) > maxBody {
		return nil, resp.StatusCode, fmt.Errorf("%w: GET %q is over %d bytes", ErrTooLarge, path, maxBody)
	}
	return body, resp.StatusCode, nil
}

func (r *HTTPRemote) Changes(ctx context.Context, since string, filter string, limit int) (*Feed, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, status, err := r.get(ctx, "_changes", q)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: _changes answered %d", ErrTransport, status)
	}
	return DecodeFeed(body)
}

func (r *HTTPRemote) Fetch(ctx context.Context, key string, rv rev.Ref) (*RemoteDoc, error) {
	q := url.Values{"revs": {"true"}, "rev": {rv.String()}}
	body, status, err := r.get(ctx, key, q)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, lounge_errors.ErrNotFound
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: GET %q answered %d", ErrTransport, key, status)
	}
	return DecodeDoc(key, body)
}

// FeedHandler serves a local database with the two endpoints HTTPRemote
// reads. Filters maps the filter query parameter onto change filters; an
// unknown name is a bad request.
type FeedHandler struct {
	DB      *lounge.DB
	Filters map[string]lounge.ChangeFilter
	Logger  utils.Logger
	mux     *http.ServeMux
}

func NewFeedHandler(db *lounge.DB, filters map[string]lounge.ChangeFilter, log utils.Logger) *FeedHandler {
	h := &FeedHandler{DB: db, Filters: filters, Logger: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /_changes", h.changes)
	h.mux.HandleFunc("GET /{key...}", h.document)
	return h
}

func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q,"reason":%q}`, http.StatusText(status), reason)
}

func (h *FeedHandler) changes(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" && s != "0" {
		var err error
		if since, err = strconv.ParseUint(s, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "bad since")
			return
		}
	}
	var limit int
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	var filter lounge.ChangeFilter
	if name := r.URL.Query().Get("filter"); name != "" {
		var ok bool
		if filter, ok = h.Filters[name]; !ok {
			writeError(w, http.StatusBadRequest, "unknown filter "+name)
			return
		}
	}
	// read last before the iterator opens so no listed change is past it
	last := max(h.DB.LastSequence(), since)
	var rows []lounge.Change
	for c, err := range h.DB.Changes(r.Context(), since, nil) {
		if err != nil {
			h.Logger.WarnCtx(r.Context(), "change feed failed", "db", h.DB.Name(), "err", err)
			writeError(w, http.StatusInternalServerError, "change feed failed")
			return
		}
		if filter == nil || filter(c) {
			rows = append(rows, c)
			if len(rows) == limit {
				last = c.Seq
				break
			}
		}
		last = max(last, c.Seq)
	}
	body, err := EncodeFeed(rows, last)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (h *FeedHandler) document(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var (
		doc *lounge.Document
		err error
	)
	if s := r.URL.Query().Get("rev"); s != "" {
		rv, perr := rev.ParseRef(s)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		doc, err = h.DB.GetRevision(r.Context(), key, rv)
	} else {
		doc, err = h.DB.Get(r.Context(), key)
	}
	switch {
	case errors.Is(err, lounge_errors.ErrNotFound), errors.Is(err, lounge_errors.ErrRevisionNotFound):
		writeError(w, http.StatusNotFound, "missing")
		return
	case errors.Is(err, lounge_errors.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.Logger.WarnCtx(r.Context(), "document read failed", "db", h.DB.Name(), "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	body, err := EncodeDoc(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
