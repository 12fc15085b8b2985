package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/labeler/label"
	"github.com/rs/zerolog/log"
)

const maxErrorLength = 1024

var (
	ErrEmptyKind = errors.New("store: queue item kind is required")
	ErrEmptyURI  = errors.New("store: queue item uri is required")
)

// QueueItem is a request to issue one label.
type QueueItem struct {
	ID       int64
	Kind     string
	URI      string
	Neg      bool
	Exp      *time.Time
	Attempts int
}

// DeadItem is a queue row that exhausted its attempts.
type DeadItem struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	URI       string     `json:"uri"`
	Neg       bool       `json:"neg"`
	Exp       *time.Time `json:"exp,omitempty"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error"`
	DeadAt    time.Time  `json:"dead_at"`
}

// QueueStats summarizes the outbound queue.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Claimed  int64 `json:"claimed"`
	Retrying int64 `json:"retrying"`
	Dead     int64 `json:"dead"`
}

type queueRow struct {
	ID        int64          `db:"id" goqu:"skipinsert"`
	Kind      string         `db:"kind"`
	URI       string         `db:"uri"`
	Neg       bool           `db:"neg"`
	Exp       sql.NullString `db:"exp"`
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
	ClaimedBy sql.NullString `db:"claimed_by"`
	ClaimedAt sql.NullInt64  `db:"claimed_at"`
	CreatedAt int64          `db:"created_at"`
}

type deadRow struct {
	ID        int64          `db:"id"`
	Kind      string         `db:"kind"`
	URI       string         `db:"uri"`
	Neg       bool           `db:"neg"`
	Exp       sql.NullString `db:"exp"`
	Attempts  int            `db:"attempts"`
	LastError sql.NullString `db:"last_error"`
	DeadAt    int64          `db:"dead_at"`
}

func parseOptionalTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := label.ParseTime(s.String)
	if err != nil {
		log.Warn().Err(err).Str("value", s.String).Msg("Ignoring unparseable queue expiry")
		return nil
	}
	return &t
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: label.FormatTime(*t), Valid: true}
}

func (r queueRow) item() QueueItem {
	return QueueItem{
		ID:       r.ID,
		Kind:     r.Kind,
		URI:      r.URI,
		Neg:      r.Neg,
		Exp:      parseOptionalTime(r.Exp),
		Attempts: r.Attempts,
	}
}

func (r deadRow) item() DeadItem {
	return DeadItem{
		ID:        r.ID,
		Kind:      r.Kind,
		URI:       r.URI,
		Neg:       r.Neg,
		Exp:       parseOptionalTime(r.Exp),
		Attempts:  r.Attempts,
		LastError: r.LastError.String,
		DeadAt:    time.UnixMilli(r.DeadAt).UTC(),
	}
}

// Enqueue stages label requests for the poller. This is the write surface
// other services use to request labels.
func (s *Store) Enqueue(ctx context.Context, items ...QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := s.nowMillis()
	rows := make([]queueRow, 0, len(items))
	for _, it := range items {
		switch {
		case it.Kind == "":
			return 0, ErrEmptyKind
		case it.URI == "":
			return 0, ErrEmptyURI
		}
		rows = append(rows, queueRow{
			Kind:      it.Kind,
			URI:       it.URI,
			Neg:       it.Neg,
			Exp:       formatOptionalTime(it.Exp),
			CreatedAt: now,
		})
	}
	if _, err := s.gq.Insert(queueTable).Rows(rows).Executor().ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to enqueue labels: %w", err)
	}
	return len(rows), nil
}

// Batch is a set of claimed queue rows together with the transaction that
// will append their labels and delete them.
type Batch struct {
	store *Store
	tx    *goqu.TxDatabase
	ids   []int64
	done  bool

	Items []QueueItem
}

// ClaimBatch claims up to limit queue rows. A nil batch means the queue has
// nothing claimable. The caller must Finish or Abort the batch.
func (s *Store) ClaimBatch(ctx context.Context, limit int) (*Batch, error) {
	if err := s.sweepExhausted(ctx); err != nil {
		return nil, err
	}
	if s.rowLocks {
		return s.claimLocked(ctx, limit)
	}
	return s.claimColumns(ctx, limit)
}

func (s *Store) claimable() []exp.Expression {
	if s.maxAttempts > 0 {
		return []exp.Expression{goqu.C("attempts").Lt(s.maxAttempts)}
	}
	return nil
}

// claimLocked selects rows with FOR UPDATE SKIP LOCKED, holding the row locks
// in the batch transaction until Finish or Abort.
func (s *Store) claimLocked(ctx context.Context, limit int) (*Batch, error) {
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}

	var rows []queueRow
	err = tx.From(queueTable).
		Where(s.claimable()...).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		ForUpdate(exp.SkipLocked).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		rollback(tx)
		return nil, fmt.Errorf("failed to claim queue rows: %w", err)
	}
	if len(rows) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit empty claim: %w", err)
		}
		return nil, nil
	}
	return newBatch(s, tx, rows), nil
}

// claimColumns marks rows with this owner in a short transaction, then opens
// the batch transaction and keeps only the rows still owned. An expired claim
// can be taken over by another owner.
func (s *Store) claimColumns(ctx context.Context, limit int) (*Batch, error) {
	for {
		ids, err := s.markClaims(ctx, limit)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		tx, err := s.gq.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin batch: %w", err)
		}
		var rows []queueRow
		err = tx.From(queueTable).
			Where(goqu.C("id").In(ids), goqu.C("claimed_by").Eq(s.owner)).
			Order(goqu.C("id").Asc()).
			ScanStructsContext(ctx, &rows)
		if err != nil {
			rollback(tx)
			return nil, fmt.Errorf("failed to load claimed rows: %w", err)
		}
		if len(rows) > 0 {
			return newBatch(s, tx, rows), nil
		}
		// Every claim expired and was taken over before the batch began.
		rollback(tx)
		log.Warn().Int("claimed", len(ids)).Str("owner", s.owner).Msg("Lost all queue claims before processing")
	}
}

func (s *Store) markClaims(ctx context.Context, limit int) ([]int64, error) {
	now := s.nowMillis()
	expired := now - s.claimTimeout.Milliseconds()

	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	var ids []int64
	err = tx.From(queueTable).
		Select("id").
		Where(s.claimable()...).
		Where(goqu.Or(goqu.C("claimed_by").IsNull(), goqu.C("claimed_at").Lt(expired))).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		ScanValsContext(ctx, &ids)
	if err != nil {
		rollback(tx)
		return nil, fmt.Errorf("failed to select claimable rows: %w", err)
	}
	if len(ids) > 0 {
		_, err = tx.Update(queueTable).
			Set(goqu.Record{"claimed_by": s.owner, "claimed_at": now}).
			Where(goqu.C("id").In(ids)).
			Executor().ExecContext(ctx)
		if err != nil {
			rollback(tx)
			return nil, fmt.Errorf("failed to mark claims: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claims: %w", err)
	}
	return ids, nil
}

func newBatch(s *Store, tx *goqu.TxDatabase, rows []queueRow) *Batch {
	b := &Batch{
		store: s,
		tx:    tx,
		ids:   make([]int64, 0, len(rows)),
		Items: make([]QueueItem, 0, len(rows)),
	}
	for _, r := range rows {
		b.ids = append(b.ids, r.ID)
		b.Items = append(b.Items, r.item())
	}
	return b
}

// Append appends signed labels in the batch transaction.
func (b *Batch) Append(ctx context.Context, labels []label.Signed) ([]label.Entry, error) {
	return b.store.appendTx(ctx, b.tx, labels)
}

// Finish deletes every claimed row and commits. It returns the number of rows
// deleted, which is less than len(Items) only if a claim was lost.
func (b *Batch) Finish(ctx context.Context) (int64, error) {
	if b.done {
		return 0, errors.New("store: batch already finished")
	}
	b.done = true

	del := b.tx.Delete(queueTable).Where(goqu.C("id").In(b.ids))
	if !b.store.rowLocks {
		del = del.Where(goqu.C("claimed_by").Eq(b.store.owner))
	}
	res, err := del.Executor().ExecContext(ctx)
	if err != nil {
		rollback(b.tx)
		b.store.releaseClaims(ctx, b.ids)
		return 0, fmt.Errorf("failed to delete queue rows: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		rollback(b.tx)
		b.store.releaseClaims(ctx, b.ids)
		return 0, fmt.Errorf("failed to count deleted queue rows: %w", err)
	}
	if err := b.tx.Commit(); err != nil {
		b.store.releaseClaims(ctx, b.ids)
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return deleted, nil
}

// Abort rolls the batch back. The rows become claimable again.
func (b *Batch) Abort(ctx context.Context) {
	if b.done {
		return
	}
	b.done = true
	rollback(b.tx)
	b.store.releaseClaims(ctx, b.ids)
}

func (s *Store) releaseClaims(ctx context.Context, ids []int64) {
	if s.rowLocks || len(ids) == 0 {
		return
	}
	_, err := s.gq.Update(queueTable).
		Set(goqu.Record{"claimed_by": nil, "claimed_at": nil}).
		Where(goqu.C("id").In(ids), goqu.C("claimed_by").Eq(s.owner)).
		Executor().ExecContext(ctx)
	if err != nil {
		log.Warn().Err(err).Ints64("ids", ids).Msg("Failed to release queue claims")
	}
}

// RecordFailure counts a failed processing attempt against queue rows.
func (s *Store) RecordFailure(ctx context.Context, ids []int64, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	_, err := s.gq.Update(queueTable).
		Set(goqu.Record{
			"attempts":   goqu.L("attempts + 1"),
			"last_error": msg,
			"claimed_by": nil,
			"claimed_at": nil,
		}).
		Where(goqu.C("id").In(ids)).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to record queue failure: %w", err)
	}
	return nil
}

// sweepExhausted moves rows whose attempts reached the limit into the
// dead-letter table.
func (s *Store) sweepExhausted(ctx context.Context) error {
	if s.maxAttempts <= 0 {
		return nil
	}
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter sweep: %w", err)
	}

	ds := tx.From(queueTable).Where(goqu.C("attempts").Gte(s.maxAttempts))
	if s.rowLocks {
		ds = ds.ForUpdate(exp.SkipLocked)
	}
	var rows []queueRow
	if err := ds.ScanStructsContext(ctx, &rows); err != nil {
		rollback(tx)
		return fmt.Errorf("failed to select exhausted rows: %w", err)
	}
	if len(rows) == 0 {
		return tx.Commit()
	}

	now := s.nowMillis()
	dead := make([]deadRow, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		dead = append(dead, deadRow{
			ID:        r.ID,
			Kind:      r.Kind,
			URI:       r.URI,
			Neg:       r.Neg,
			Exp:       r.Exp,
			Attempts:  r.Attempts,
			LastError: r.LastError,
			DeadAt:    now,
		})
		ids = append(ids, r.ID)
		log.Warn().
			Int64("id", r.ID).
			Str("kind", r.Kind).
			Str("uri", r.URI).
			Int("attempts", r.Attempts).
			Str("last_error", r.LastError.String).
			Msg("Moving queue item to dead letter")
	}

	if _, err := tx.Insert(deadTable).Rows(dead).Executor().ExecContext(ctx); err != nil {
		rollback(tx)
		return fmt.Errorf("failed to insert dead letters: %w", err)
	}
	if _, err := tx.Delete(queueTable).Where(goqu.C("id").In(ids)).Executor().ExecContext(ctx); err != nil {
		rollback(tx)
		return fmt.Errorf("failed to delete exhausted rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter sweep: %w", err)
	}
	return nil
}

// QueueStats counts pending, claimed, retrying and dead rows.
func (s *Store) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	var err error

	if st.Pending, err = s.gq.From(queueTable).CountContext(ctx); err != nil {
		return st, fmt.Errorf("failed to count queue: %w", err)
	}
	expired := s.nowMillis() - s.claimTimeout.Milliseconds()
	st.Claimed, err = s.gq.From(queueTable).
		Where(goqu.C("claimed_by").IsNotNull(), goqu.C("claimed_at").Gte(expired)).
		CountContext(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to count claimed rows: %w", err)
	}
	st.Retrying, err = s.gq.From(queueTable).Where(goqu.C("attempts").Gt(0)).CountContext(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to count retrying rows: %w", err)
	}
	if st.Dead, err = s.gq.From(deadTable).CountContext(ctx); err != nil {
		return st, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return st, nil
}

// QueueCounts reports QueueStats keyed by state name for gauges.
func (s *Store) QueueCounts(ctx context.Context) (map[string]int64, error) {
	st, err := s.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int64{
		"pending":  st.Pending,
		"claimed":  st.Claimed,
		"retrying": st.Retrying,
		"dead":     st.Dead,
	}, nil
}

// ListDead returns dead-lettered rows, oldest first.
func (s *Store) ListDead(ctx context.Context, limit int) ([]DeadItem, error) {
	ds := s.gq.From(deadTable).Order(goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	var rows []deadRow
	if err := ds.ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]DeadItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

// RequeueDead moves a dead-lettered row back to the queue with a fresh
// attempt count.
func (s *Store) RequeueDead(ctx context.Context, id int64) error {
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin requeue: %w", err)
	}

	var row deadRow
	found, err := tx.From(deadTable).Where(goqu.C("id").Eq(id)).ScanStructContext(ctx, &row)
	if err != nil {
		rollback(tx)
		return fmt.Errorf("failed to load dead letter: %w", err)
	}
	if !found {
		rollback(tx)
		return ErrNotFound
	}

	_, err = tx.Insert(queueTable).Rows(queueRow{
		Kind:      row.Kind,
		URI:       row.URI,
		Neg:       row.Neg,
		Exp:       row.Exp,
		CreatedAt: s.nowMillis(),
	}).Executor().ExecContext(ctx)
	if err != nil {
		rollback(tx)
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}
	if _, err := tx.Delete(deadTable).Where(goqu.C("id").Eq(id)).Executor().ExecContext(ctx); err != nil {
		rollback(tx)
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue: %w", err)
	}
	log.Info().Int64("id", id).Str("kind", row.Kind).Str("uri", row.URI).Msg("Requeued dead letter")
	return nil
}
