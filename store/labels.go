package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/labeler/label"
)

type labelRow struct {
	Seq int64          `db:"seq" goqu:"skipinsert"`
	Src string         `db:"src"`
	URI string         `db:"uri"`
	CID sql.NullString `db:"cid"`
	Val string         `db:"val"`
	Neg bool           `db:"neg"`
	Cts string         `db:"cts"`
	Exp sql.NullString `db:"exp"`
	Sig []byte         `db:"sig"`
}

func rowFromLabel(l label.Signed) labelRow {
	r := labelRow{
		Src: l.Src,
		URI: l.URI,
		CID: sql.NullString{String: l.CID, Valid: l.CID != ""},
		Val: l.Val,
		Neg: l.Neg,
		Cts: label.FormatTime(l.Cts),
		Sig: l.Sig,
	}
	if l.Exp != nil {
		r.Exp = sql.NullString{String: label.FormatTime(*l.Exp), Valid: true}
	}
	return r
}

func (r labelRow) entry() (label.Entry, error) {
	cts, err := label.ParseTime(r.Cts)
	if err != nil {
		return label.Entry{}, fmt.Errorf("seq %d: %w", r.Seq, err)
	}
	e := label.Entry{
		Seq: r.Seq,
		Signed: label.Signed{
			Unsigned: label.Unsigned{
				Src: r.Src,
				URI: r.URI,
				CID: r.CID.String,
				Val: r.Val,
				Neg: r.Neg,
				Cts: cts,
			},
			Sig: r.Sig,
		},
	}
	if r.Exp.Valid {
		exp, err := label.ParseTime(r.Exp.String)
		if err != nil {
			return label.Entry{}, fmt.Errorf("seq %d: %w", r.Seq, err)
		}
		e.Exp = &exp
	}
	return e, nil
}

// LabelQuery selects a page of the log.
type LabelQuery struct {
	// Cursor excludes entries with seq <= Cursor.
	Cursor int64
	// URIPrefixes and URIExact together restrict uri; an entry matches if it
	// starts with any prefix or equals any exact value. Both empty means no
	// restriction.
	URIPrefixes []string
	URIExact    []string
	// Sources restricts src; empty means no restriction.
	Sources []string
	Limit   int
}

// AppendLabels appends signed labels in their own transaction.
func (s *Store) AppendLabels(ctx context.Context, labels []label.Signed) ([]label.Entry, error) {
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	entries, err := s.appendTx(ctx, tx, labels)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return entries, nil
}

// appendTx inserts labels inside tx and returns them with their assigned seq.
// On row-locking datastores the log lock row is taken first so that seq order
// matches commit order across concurrent appenders.
func (s *Store) appendTx(ctx context.Context, tx *goqu.TxDatabase, labels []label.Signed) ([]label.Entry, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	if s.rowLocks {
		var id int64
		_, err := tx.From(logLockTable).
			Select("id").
			Where(goqu.C("id").Eq(1)).
			ForUpdate(exp.Wait).
			ScanValContext(ctx, &id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock label log: %w", err)
		}
	}

	entries := make([]label.Entry, 0, len(labels))
	for _, l := range labels {
		if !l.IsSigned() {
			return nil, fmt.Errorf("label %s/%s is not signed", l.URI, l.Val)
		}
		seq, err := s.insertLabel(ctx, tx, rowFromLabel(l))
		if err != nil {
			return nil, err
		}
		entries = append(entries, label.Entry{Seq: seq, Signed: l})
	}
	return entries, nil
}

func (s *Store) insertLabel(ctx context.Context, tx *goqu.TxDatabase, row labelRow) (int64, error) {
	ins := tx.Insert(labelsTable).Rows(row)
	if s.dialect == "postgres" {
		var seq int64
		if _, err := ins.Returning("seq").Executor().ScanValContext(ctx, &seq); err != nil {
			return 0, fmt.Errorf("failed to insert label: %w", err)
		}
		return seq, nil
	}

	res, err := ins.Executor().ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to insert label: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read label seq: %w", err)
	}
	return seq, nil
}

// QueryLabels returns entries after q.Cursor in seq order.
func (s *Store) QueryLabels(ctx context.Context, q LabelQuery) ([]label.Entry, error) {
	ds := s.gq.From(labelsTable).Where(goqu.C("seq").Gt(q.Cursor))

	var uriConds []exp.Expression
	for _, prefix := range q.URIPrefixes {
		if prefix == "" {
			uriConds = nil
			q.URIExact = nil
			break
		}
		uriConds = append(uriConds, s.prefixMatch("uri", prefix))
	}
	if len(q.URIExact) > 0 {
		uriConds = append(uriConds, goqu.C("uri").In(q.URIExact))
	}
	if len(uriConds) > 0 {
		ds = ds.Where(goqu.Or(uriConds...))
	}
	if len(q.Sources) > 0 {
		ds = ds.Where(goqu.C("src").In(q.Sources))
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	var rows []labelRow
	if err := ds.Order(goqu.C("seq").Asc()).ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	entries := make([]label.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var (
	likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	globEscaper = strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")
)

// prefixMatch matches col values starting with prefix, as a pattern the
// uri index can serve. SQLite's LIKE ignores case, so it gets GLOB instead.
func (s *Store) prefixMatch(col, prefix string) exp.Expression {
	if s.dialect == "sqlite3" {
		return goqu.L("? GLOB ?", goqu.C(col), globEscaper.Replace(prefix)+"*")
	}
	return goqu.L("? LIKE ? ESCAPE '!'", goqu.C(col), likeEscaper.Replace(prefix)+"%")
}

// MaxSeq returns the current log tail, 0 when the log is empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	_, err := s.gq.From(labelsTable).
		Select(goqu.COALESCE(goqu.MAX("seq"), goqu.L("0"))).
		ScanValContext(ctx, &seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq, nil
}

// CountLabels returns the number of log entries.
func (s *Store) CountLabels(ctx context.Context) (int64, error) {
	n, err := s.gq.From(labelsTable).CountContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count labels: %w", err)
	}
	return n, nil
}
