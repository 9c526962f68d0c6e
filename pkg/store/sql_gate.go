package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/settld/kernel/pkg/gate"
)

// --- gate.Store ---
//
// Gates, their reversal chains, and escalations persist as JSON blobs
// keyed by id, matching the same body-column pattern putArtifact/
// getArtifact use for artifacts.Store: the gate's own struct is already
// the canonical in-process representation, so there is no separate
// relational schema to keep in sync with it. state and status are broken
// out into their own columns only where a query needs to filter on them
// (DailySpend's running total, GetOpenEscalation's "most recent
// pending/approved" lookup).

func (s *SQLStore) CreateGate(ctx context.Context, g *gate.Gate) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("store: marshal gate: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO gates (tenant_id, gate_id, state, body) VALUES (%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err = s.db.ExecContext(ctx, q, g.TenantID, g.GateID, string(g.State), string(body))
	return err
}

func (s *SQLStore) GetGate(ctx context.Context, gateID string) (*gate.Gate, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM gates WHERE gate_id = %s`, s.ph(1)), gateID)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, gate.ErrGateNotFound
		}
		return nil, err
	}
	var g gate.Gate
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		return nil, fmt.Errorf("store: unmarshal gate: %w", err)
	}
	return &g, nil
}

func (s *SQLStore) PutGate(ctx context.Context, g *gate.Gate) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("store: marshal gate: %w", err)
	}
	q := fmt.Sprintf(`UPDATE gates SET state = %s, body = %s WHERE gate_id = %s`, s.ph(1), s.ph(2), s.ph(3))
	res, err := s.db.ExecContext(ctx, q, string(g.State), string(body), g.GateID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return gate.ErrGateNotFound
	}
	return nil
}

func (s *SQLStore) AppendReversalEvent(ctx context.Context, e *gate.ReversalEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal reversal event: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO gate_reversal_events (gate_id, event_id, body) VALUES (%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err = s.db.ExecContext(ctx, q, e.GateID, e.EventID, string(body))
	return err
}

func (s *SQLStore) ListReversalEvents(ctx context.Context, gateID string) ([]gate.ReversalEvent, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT body FROM gate_reversal_events WHERE gate_id = %s ORDER BY seq ASC`, s.ph(1)), gateID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []gate.ReversalEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e gate.ReversalEvent
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("store: unmarshal reversal event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) PutEscalation(ctx context.Context, e *gate.Escalation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal escalation: %w", err)
	}
	var q string
	if s.d.name == "postgres" {
		q = fmt.Sprintf(`INSERT INTO gate_escalations (gate_id, escalation_id, status, body) VALUES (%s,%s,%s,%s)
			ON CONFLICT (gate_id, escalation_id) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	} else {
		q = fmt.Sprintf(`INSERT INTO gate_escalations (gate_id, escalation_id, status, body) VALUES (%s,%s,%s,%s)
			ON CONFLICT(gate_id, escalation_id) DO UPDATE SET status = excluded.status, body = excluded.body`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	}
	_, err = s.db.ExecContext(ctx, q, e.GateID, e.EscalationID, string(e.Status), string(body))
	return err
}

func (s *SQLStore) GetOpenEscalation(ctx context.Context, gateID string) (*gate.Escalation, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT body FROM gate_escalations WHERE gate_id = %s AND status != %s ORDER BY seq DESC LIMIT 1`,
		s.ph(1), s.ph(2)), gateID, string(gate.EscalationDenied))
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, gate.ErrEscalationNotFound
		}
		return nil, err
	}
	var e gate.Escalation
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("store: unmarshal escalation: %w", err)
	}
	return &e, nil
}

func (s *SQLStore) DailySpend(ctx context.Context, tenantID, policyVersion, day string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT amount_cents FROM gate_daily_spend WHERE tenant_id = %s AND policy_version = %s AND day = %s`,
		s.ph(1), s.ph(2), s.ph(3)), tenantID, policyVersion, day)
	var cents int64
	if err := row.Scan(&cents); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return cents, nil
}

func (s *SQLStore) RecordDailySpend(ctx context.Context, tenantID, policyVersion, day string, amountCents int64) error {
	var q string
	if s.d.name == "postgres" {
		q = fmt.Sprintf(`INSERT INTO gate_daily_spend (tenant_id, policy_version, day, amount_cents) VALUES (%s,%s,%s,%s)
			ON CONFLICT (tenant_id, policy_version, day) DO UPDATE SET amount_cents = gate_daily_spend.amount_cents + EXCLUDED.amount_cents`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	} else {
		q = fmt.Sprintf(`INSERT INTO gate_daily_spend (tenant_id, policy_version, day, amount_cents) VALUES (%s,%s,%s,%s)
			ON CONFLICT(tenant_id, policy_version, day) DO UPDATE SET amount_cents = gate_daily_spend.amount_cents + excluded.amount_cents`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	}
	_, err := s.db.ExecContext(ctx, q, tenantID, policyVersion, day, amountCents)
	return err
}

var _ gate.Store = (*SQLStore)(nil)
