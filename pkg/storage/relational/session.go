package relational

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/tags"
)

// stageChunk keeps multi-row inserts under SQLite's default 999 bound
// parameters (5 per staged id).
const stageChunk = 150

// session materializes a variable-length set of tags or ids as rows, so
// queries can join against it instead of binding an IN list over a
// four-column key.
type session struct {
	b     *Backend
	tt    typeTables
	id    int64
	label string
}

func (b *Backend) openSession(ctx context.Context, tt typeTables) (*session, error) {
	label := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := b.store.Insert(ctx, tt.session, Record{"label": label, "created": b.now().Unix()}); err != nil {
		return nil, errors.Wrap(err, "open search session")
	}

	row, ok, err := b.store.LookupOne(ctx, tt.session, Record{"label": label}, "pk")
	if err != nil {
		return nil, errors.Wrap(err, "open search session")
	}
	if !ok {
		return nil, errors.Errorf("search session %s vanished", label)
	}
	id, err := asInt64(row["pk"])
	if err != nil {
		return nil, errors.Wrap(err, "search session key")
	}
	return &session{b: b, tt: tt, id: id, label: label}, nil
}

// withSession runs fn inside a fresh session and always removes the
// session's rows afterwards, even when fn or ctx failed.
func (b *Backend) withSession(ctx context.Context, tt typeTables, fn func(s *session) error) (err error) {
	s, err := b.openSession(ctx, tt)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(context.WithoutCancel(ctx)); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(s)
}

func (s *session) stageTags(ctx context.Context, tg tagTables, set tags.Set) error {
	rows := make([]Record, len(set))
	for i, tag := range set {
		rows[i] = Record{"sid": s.id, "tagv": tag}
	}
	return errors.Wrap(s.b.store.Insert(ctx, tg.staging, rows...), "stage tags")
}

func (s *session) stageIDs(ctx context.Context, ids []ident.ID) error {
	seen := make(map[ident.ID]struct{}, len(ids))
	rows := make([]Record, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		w := id.Words()
		rows = append(rows, Record{
			"sid":  s.id,
			"mid1": int64(w[0]), "mid2": int64(w[1]), "mid3": int64(w[2]), "mid4": int64(w[3]),
		})
	}

	for start := 0; start < len(rows); start += stageChunk {
		end := start + stageChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.b.store.Insert(ctx, s.tt.ids, rows[start:end]...); err != nil {
			return errors.Wrap(err, "stage ids")
		}
	}
	return nil
}

// close deletes the staged rows, then the session row itself.
func (s *session) close(ctx context.Context) error {
	var result *multierror.Error
	for _, table := range []string{s.tt.primary.staging, s.tt.minor.staging, s.tt.ids} {
		if _, err := s.b.store.DeleteWhere(ctx, table, "sid = ?", s.id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if _, err := s.b.store.DeleteWhere(ctx, s.tt.session, "pk = ?", s.id); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrapf(err, "close search session %s", s.label)
	}
	return nil
}
