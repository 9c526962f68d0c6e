package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/settld/kernel/pkg/artifacts"
	"github.com/settld/kernel/pkg/cryptox"
	"github.com/settld/kernel/pkg/escrow"
	"github.com/settld/kernel/pkg/eventlog"
	"github.com/settld/kernel/pkg/grants"
	"github.com/settld/kernel/pkg/idempotency"
)

// dialect abstracts the handful of SQL differences between Postgres and
// SQLite this store needs: placeholder style and the "INSERT ... ON
// CONFLICT DO NOTHING" spelling. Grounded in shape on the teacher's
// store/ledger/postgres_ledger.go (plain database/sql, hand-written SQL,
// no ORM) but generalized to drive two drivers from one implementation
// instead of forking the whole file per backend.
type dialect struct {
	name            string
	placeholder     func(n int) string
	upsertConflict  string // suffix appended after an INSERT's VALUES(...) to make it idempotent
	autoincrementPK string // column definition for an auto-incrementing ordering column
}

func postgresDialect() dialect {
	return dialect{
		name:            "postgres",
		placeholder:     func(n int) string { return "$" + strconv.Itoa(n) },
		upsertConflict:  "ON CONFLICT (id) DO NOTHING",
		autoincrementPK: "BIGSERIAL",
	}
}

func sqliteDialect() dialect {
	return dialect{
		name:            "sqlite",
		placeholder:     func(int) string { return "?" },
		upsertConflict:  "ON CONFLICT(id) DO NOTHING",
		autoincrementPK: "INTEGER",
	}
}

// SQLStore is a database/sql-backed implementation of every sub-store in
// the Store aggregate, parameterized by dialect so the same Go logic
// drives both the Postgres (lib/pq) and SQLite (modernc.org/sqlite)
// backends named in SPEC_FULL's package map.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// newSQLStore wraps db, creating the kernel's tables if they do not
// already exist.
func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			seq %s PRIMARY KEY,
			stream_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			actor TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			prev_chain_hash TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			signer_key_id TEXT,
			signature_b64 TEXT,
			signed_at TIMESTAMP,
			UNIQUE(stream_id, id)
		)`, s.d.autoincrementPK),
		`CREATE TABLE IF NOT EXISTS wallets (
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			available_cents BIGINT NOT NULL,
			escrow_locked_cents BIGINT NOT NULL,
			total_debited_cents BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, agent_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_transitions (
			transition_id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			hash TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (tenant_id, kind, artifact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS grant_records (
			grant_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			revoked_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			tenant_id TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			body_fingerprint TEXT NOT NULL,
			status_code INTEGER,
			body TEXT,
			stored_at TIMESTAMP,
			PRIMARY KEY (tenant_id, method, path, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS gates (
			tenant_id TEXT NOT NULL,
			gate_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS gate_reversal_events (
			seq %s PRIMARY KEY,
			gate_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			body TEXT NOT NULL,
			UNIQUE(gate_id, event_id)
		)`, s.d.autoincrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS gate_escalations (
			seq %s PRIMARY KEY,
			gate_id TEXT NOT NULL,
			escalation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			UNIQUE(gate_id, escalation_id)
		)`, s.d.autoincrementPK),
		`CREATE TABLE IF NOT EXISTS gate_daily_spend (
			tenant_id TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			day TEXT NOT NULL,
			amount_cents BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, policy_version, day)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ph(n int) string { return s.d.placeholder(n) }

// --- eventlog.Backend ---

func (s *SQLStore) Head(ctx context.Context, streamID string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT chain_hash FROM events WHERE stream_id = %s ORDER BY seq DESC LIMIT 1`, s.ph(1)),
		streamID)
	var head string
	if err := row.Scan(&head); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return head, true, nil
}

func (s *SQLStore) Append(ctx context.Context, e eventlog.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	var keyID, sigB64 sql.NullString
	var signedAt sql.NullTime
	if e.Signature != nil {
		keyID = sql.NullString{String: e.Signature.KeyID, Valid: true}
		sigB64 = sql.NullString{String: e.Signature.SignatureBase64, Valid: true}
		signedAt = sql.NullTime{Time: e.Signature.SignedAt, Valid: true}
	}
	q := fmt.Sprintf(`INSERT INTO events
		(stream_id, id, type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature_b64, signed_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11), s.ph(12))
	_, err = s.db.ExecContext(ctx, q, e.StreamID, e.ID, e.Type, e.At, e.Actor, string(payload), e.PayloadHash,
		e.PrevChainHash, e.ChainHash, keyID, sigB64, signedAt)
	return err
}

func (s *SQLStore) Get(ctx context.Context, streamID, eventID string) (*eventlog.Event, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT stream_id, id, type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature_b64, signed_at
		 FROM events WHERE stream_id = %s AND id = %s`, s.ph(1), s.ph(2)), streamID, eventID)
	return scanEvent(row)
}

func (s *SQLStore) List(ctx context.Context, streamID, sinceEventID, eventType string, limit, offset int) ([]eventlog.Event, string, error) {
	head, exists, err := s.Head(ctx, streamID)
	if err != nil {
		return nil, "", err
	}
	_ = head

	args := []any{streamID}
	where := fmt.Sprintf("stream_id = %s", s.ph(1))
	idx := 2
	if sinceEventID != "" {
		var sinceSeq int64
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT seq FROM events WHERE stream_id = %s AND id = %s`, s.ph(1), s.ph(2)), streamID, sinceEventID)
		if err := row.Scan(&sinceSeq); err != nil {
			if err == sql.ErrNoRows {
				return nil, "", eventlog.ErrCursorNotFound
			}
			return nil, "", err
		}
		where += fmt.Sprintf(" AND seq > %s", s.ph(idx))
		args = append(args, sinceSeq)
		idx++
	}
	if eventType != "" {
		where += fmt.Sprintf(" AND type = %s", s.ph(idx))
		args = append(args, eventType)
		idx++
	}
	q := fmt.Sprintf(`SELECT stream_id, id, type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature_b64, signed_at
		FROM events WHERE %s ORDER BY seq ASC LIMIT %s OFFSET %s`, where, s.ph(idx), s.ph(idx+1))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	var events []eventlog.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, "", err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	headEventID := ""
	if exists {
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM events WHERE stream_id = %s ORDER BY seq DESC LIMIT 1`, s.ph(1)), streamID)
		_ = row.Scan(&headEventID)
	}
	return events, headEventID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*eventlog.Event, error) {
	e, err := scanEventRows(row)
	if err == sql.ErrNoRows {
		return nil, eventlog.ErrCursorNotFound
	}
	return e, err
}

func scanEventRows(row rowScanner) (*eventlog.Event, error) {
	var e eventlog.Event
	var payload string
	var keyID, sigB64 sql.NullString
	var signedAt sql.NullTime
	if err := row.Scan(&e.StreamID, &e.ID, &e.Type, &e.At, &e.Actor, &payload, &e.PayloadHash,
		&e.PrevChainHash, &e.ChainHash, &keyID, &sigB64, &signedAt); err != nil {
		return nil, err
	}
	e.V = 1
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	if keyID.Valid {
		e.Signature = &cryptox.Signature{KeyID: keyID.String, SignatureBase64: sigB64.String, SignedAt: signedAt.Time}
	}
	return &e, nil
}

// --- escrow.Backend ---

func (s *SQLStore) GetOrCreate(ctx context.Context, ref escrow.WalletRef) (*escrow.Wallet, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT available_cents, escrow_locked_cents, total_debited_cents FROM wallets
		 WHERE tenant_id = %s AND agent_id = %s AND currency = %s`, s.ph(1), s.ph(2), s.ph(3)),
		ref.TenantID, ref.AgentID, ref.Currency)
	w := &escrow.Wallet{Ref: ref}
	err := row.Scan(&w.AvailableCents, &w.EscrowLockedCents, &w.TotalDebitedCents)
	if err == sql.ErrNoRows {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SQLStore) Put(ctx context.Context, w *escrow.Wallet) error {
	var q string
	switch s.d.name {
	case "postgres":
		q = fmt.Sprintf(`INSERT INTO wallets (tenant_id, agent_id, currency, available_cents, escrow_locked_cents, total_debited_cents)
			VALUES (%s,%s,%s,%s,%s,%s)
			ON CONFLICT (tenant_id, agent_id, currency) DO UPDATE SET
				available_cents = EXCLUDED.available_cents,
				escrow_locked_cents = EXCLUDED.escrow_locked_cents,
				total_debited_cents = EXCLUDED.total_debited_cents`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	default:
		q = fmt.Sprintf(`INSERT INTO wallets (tenant_id, agent_id, currency, available_cents, escrow_locked_cents, total_debited_cents)
			VALUES (%s,%s,%s,%s,%s,%s)
			ON CONFLICT(tenant_id, agent_id, currency) DO UPDATE SET
				available_cents = excluded.available_cents,
				escrow_locked_cents = excluded.escrow_locked_cents,
				total_debited_cents = excluded.total_debited_cents`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6))
	}
	_, err := s.db.ExecContext(ctx, q, w.Ref.TenantID, w.Ref.AgentID, w.Ref.Currency, w.AvailableCents, w.EscrowLockedCents, w.TotalDebitedCents)
	return err
}

// WithLock takes a dedicated connection and runs fn inside a transaction
// holding a Postgres advisory lock per ref (sqlite: a single DB-wide
// transaction, since sqlite has no equivalent advisory-lock primitive and
// a single process is already serialized by database/sql's connection
// pool semantics for a file-backed DB opened with max one connection).
func (s *SQLStore) WithLock(ctx context.Context, refs []escrow.WalletRef, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if s.d.name == "postgres" {
		for _, ref := range refs {
			key := lockKey(ref)
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
				return fmt.Errorf("store: advisory lock: %w", err)
			}
		}
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockKey folds a WalletRef into the int64 key pg_advisory_xact_lock
// expects, via its content hash truncated to 63 bits.
func lockKey(ref escrow.WalletRef) int64 {
	h := fnv64a(ref.TenantID + "\x00" + ref.AgentID + "\x00" + ref.Currency)
	return int64(h &^ (1 << 63))
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func (s *SQLStore) TransitionApplied(ctx context.Context, transitionID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM wallet_transitions WHERE transition_id = %s`, s.ph(1)), transitionID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) MarkTransitionApplied(ctx context.Context, transitionID string) error {
	q := fmt.Sprintf(`INSERT INTO wallet_transitions (transition_id, applied_at) VALUES (%s, %s) %s`,
		s.ph(1), s.ph(2), strings.Replace(s.d.upsertConflict, "(id)", "(transition_id)", 1))
	_, err := s.db.ExecContext(ctx, q, transitionID, time.Now().UTC())
	return err
}

// --- artifacts.Store ---

func (s *SQLStore) putArtifact(ctx context.Context, tenantID, kind, id, hash string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var q string
	if s.d.name == "postgres" {
		q = fmt.Sprintf(`INSERT INTO artifacts (tenant_id, kind, artifact_id, hash, body) VALUES (%s,%s,%s,%s,%s)
			ON CONFLICT (tenant_id, kind, artifact_id) DO UPDATE SET hash = EXCLUDED.hash, body = EXCLUDED.body`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	} else {
		q = fmt.Sprintf(`INSERT INTO artifacts (tenant_id, kind, artifact_id, hash, body) VALUES (%s,%s,%s,%s,%s)
			ON CONFLICT(tenant_id, kind, artifact_id) DO UPDATE SET hash = excluded.hash, body = excluded.body`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	}
	_, err = s.db.ExecContext(ctx, q, tenantID, kind, id, hash, string(body))
	return err
}

func (s *SQLStore) getArtifact(ctx context.Context, tenantID, kind, id string, v any) error {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM artifacts WHERE tenant_id = %s AND kind = %s AND artifact_id = %s`,
		s.ph(1), s.ph(2), s.ph(3)), tenantID, kind, id)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return artifacts.ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(body), v)
}

func (s *SQLStore) PutManifest(ctx context.Context, m *artifacts.ToolManifest) error {
	return s.putArtifact(ctx, m.TenantID, "manifest", m.ToolID, m.ManifestHash, m)
}

func (s *SQLStore) GetManifest(ctx context.Context, tenantID, toolID string) (*artifacts.ToolManifest, error) {
	var m artifacts.ToolManifest
	if err := s.getArtifact(ctx, tenantID, "manifest", toolID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) PutAgreement(ctx context.Context, a *artifacts.ToolCallAgreement) error {
	return s.putArtifact(ctx, a.TenantID, "agreement", a.ArtifactID, a.AgreementHash, a)
}

func (s *SQLStore) GetAgreement(ctx context.Context, tenantID, artifactID string) (*artifacts.ToolCallAgreement, error) {
	var a artifacts.ToolCallAgreement
	if err := s.getArtifact(ctx, tenantID, "agreement", artifactID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) PutEvidence(ctx context.Context, e *artifacts.ToolCallEvidence) error {
	return s.putArtifact(ctx, e.TenantID, "evidence", e.ArtifactID, e.EvidenceHash, e)
}

func (s *SQLStore) GetEvidence(ctx context.Context, tenantID, artifactID string) (*artifacts.ToolCallEvidence, error) {
	var e artifacts.ToolCallEvidence
	if err := s.getArtifact(ctx, tenantID, "evidence", artifactID, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// --- grants.Store / grants.Registry ---

func (s *SQLStore) PutGrant(ctx context.Context, g *grants.Grant) error {
	body, err := json.Marshal(g)
	if err != nil {
		return err
	}
	var q string
	if s.d.name == "postgres" {
		q = fmt.Sprintf(`INSERT INTO grant_records (grant_id, body) VALUES (%s,%s)
			ON CONFLICT (grant_id) DO UPDATE SET body = EXCLUDED.body`, s.ph(1), s.ph(2))
	} else {
		q = fmt.Sprintf(`INSERT INTO grant_records (grant_id, body) VALUES (%s,%s)
			ON CONFLICT(grant_id) DO UPDATE SET body = excluded.body`, s.ph(1), s.ph(2))
	}
	_, err = s.db.ExecContext(ctx, q, g.GrantID, string(body))
	return err
}

func (s *SQLStore) GetGrant(ctx context.Context, grantID string) (*grants.Grant, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM grant_records WHERE grant_id = %s`, s.ph(1)), grantID)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, grants.ErrNotFound
		}
		return nil, err
	}
	var g grants.Grant
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLStore) RevokeGrant(ctx context.Context, grantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE grant_records SET revoked_at = %s WHERE grant_id = %s`, s.ph(1), s.ph(2)), at, grantID)
	return err
}

func (s *SQLStore) IsGrantRevoked(ctx context.Context, grantID string) (bool, time.Time, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT revoked_at FROM grant_records WHERE grant_id = %s`, s.ph(1)), grantID)
	var at sql.NullTime
	if err := row.Scan(&at); err != nil {
		if err == sql.ErrNoRows {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, err
	}
	return at.Valid, at.Time, nil
}

// grantStore adapts SQLStore's Put/Get/Revoke/IsRevoked methods (named
// distinctly above to avoid colliding with the artifact and wallet
// methods sharing this type) to the grants.Store/grants.Registry
// interfaces expected by Store.Grants.
type grantStore struct{ s *SQLStore }

func (g grantStore) Put(ctx context.Context, gr *grants.Grant) error { return g.s.PutGrant(ctx, gr) }
func (g grantStore) Get(ctx context.Context, grantID string) (*grants.Grant, error) {
	return g.s.GetGrant(ctx, grantID)
}
func (g grantStore) Revoke(ctx context.Context, grantID string, at time.Time) error {
	return g.s.RevokeGrant(ctx, grantID, at)
}
func (g grantStore) IsRevoked(ctx context.Context, grantID string) (bool, time.Time, error) {
	return g.s.IsGrantRevoked(ctx, grantID)
}

// --- idempotency.Store ---

func (s *SQLStore) Reserve(ctx context.Context, key idempotency.Key, bodyFingerprint string) (*idempotency.StoredResponse, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT body_fingerprint, status_code, body, stored_at FROM idempotency_keys
		 WHERE tenant_id = %s AND method = %s AND path = %s AND idempotency_key = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4)), key.TenantID, key.Method, key.Path, key.IdempotencyKey)

	var fp string
	var statusCode sql.NullInt64
	var body sql.NullString
	var storedAt sql.NullTime
	err := row.Scan(&fp, &statusCode, &body, &storedAt)
	if err == sql.ErrNoRows {
		q := fmt.Sprintf(`INSERT INTO idempotency_keys (tenant_id, method, path, idempotency_key, body_fingerprint)
			VALUES (%s,%s,%s,%s,%s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
		if _, err := s.db.ExecContext(ctx, q, key.TenantID, key.Method, key.Path, key.IdempotencyKey, bodyFingerprint); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !statusCode.Valid {
		return nil, true, nil
	}
	return &idempotency.StoredResponse{
		StatusCode:      int(statusCode.Int64),
		Body:            []byte(body.String),
		BodyFingerprint: fp,
		StoredAt:        storedAt.Time,
	}, true, nil
}

func (s *SQLStore) Complete(ctx context.Context, key idempotency.Key, resp idempotency.StoredResponse) error {
	q := fmt.Sprintf(`UPDATE idempotency_keys SET status_code = %s, body = %s, stored_at = %s, body_fingerprint = %s
		WHERE tenant_id = %s AND method = %s AND path = %s AND idempotency_key = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))
	_, err := s.db.ExecContext(ctx, q, resp.StatusCode, string(resp.Body), time.Now().UTC(), resp.BodyFingerprint,
		key.TenantID, key.Method, key.Path, key.IdempotencyKey)
	return err
}
