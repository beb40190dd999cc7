package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

// movementUpsert replaces a movement row by its natural key. Values are
// recomputed from raw records on every run, so nothing is added up here.
const movementUpsert = `
	INSERT INTO %s (
		branch, period, direction, classification, company_id, job_id, documents,
		value, pis, cofins, icms, iss, pis_credit, cofins_credit,
		projected_icms, projected_ibs, projected_cbs, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
	ON CONFLICT (branch, period, direction, classification) DO UPDATE SET
		company_id = EXCLUDED.company_id,
		job_id = EXCLUDED.job_id,
		documents = EXCLUDED.documents,
		value = EXCLUDED.value,
		pis = EXCLUDED.pis,
		cofins = EXCLUDED.cofins,
		icms = EXCLUDED.icms,
		iss = EXCLUDED.iss,
		pis_credit = EXCLUDED.pis_credit,
		cofins_credit = EXCLUDED.cofins_credit,
		projected_icms = EXCLUDED.projected_icms,
		projected_ibs = EXCLUDED.projected_ibs,
		projected_cbs = EXCLUDED.projected_cbs,
		updated_at = now()`

const participantUpsert = `
	INSERT INTO participants (branch, period, code, company_id, job_id, name, cnpj, cpf, ie, city, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	ON CONFLICT (branch, period, code) DO UPDATE SET
		company_id = EXCLUDED.company_id,
		job_id = EXCLUDED.job_id,
		name = EXCLUDED.name,
		cnpj = EXCLUDED.cnpj,
		cpf = EXCLUDED.cpf,
		ie = EXCLUDED.ie,
		city = EXCLUDED.city,
		updated_at = now()`

// SaveConsolidation upserts every row of c in one transaction.
func (s *Store) SaveConsolidation(ctx context.Context, c *core.Consolidation) (map[string]int64, error) {
	start := time.Now()
	jobID := ToPgUUID(c.JobID)
	owned := make(map[string]int64, len(core.BusinessTables))

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for table, rows := range c.Movements {
			sql := fmt.Sprintf(movementUpsert, pgx.Identifier{table}.Sanitize())
			for _, m := range rows {
				batch.Queue(sql,
					m.Branch, m.Period, string(m.Direction), m.Classification, c.CompanyID, jobID, m.Documents,
					ToPgNumeric(m.Value), ToPgNumeric(m.PIS), ToPgNumeric(m.COFINS), ToPgNumeric(m.ICMS),
					ToPgNumeric(m.ISS), ToPgNumeric(m.PISCredit), ToPgNumeric(m.COFINSCredit),
					ToPgNumeric(m.ProjectedICMS), ToPgNumeric(m.ProjectedIBS), ToPgNumeric(m.ProjectedCBS),
				)
			}
		}
		for _, p := range c.Participants {
			batch.Queue(participantUpsert, p.Branch, p.Period, p.Code, c.CompanyID, jobID, p.Name, p.CNPJ, p.CPF, p.IE, p.City)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("upsert consolidated rows: %w", err)
			}
		}

		for _, table := range core.BusinessTables {
			var n int64
			sql := `SELECT count(*) FROM ` + pgx.Identifier{table}.Sanitize() + ` WHERE job_id = $1`
			if err := tx.QueryRow(ctx, sql, jobID).Scan(&n); err != nil {
				return fmt.Errorf("count %s: %w", table, err)
			}
			owned[table] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("consolidated rows saved",
		"job_id", c.JobID,
		"participants", len(c.Participants),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return owned, nil
}

// TaxRates reads the reform rates of year.
func (s *Store) TaxRates(ctx context.Context, year int) (core.TaxRates, bool, error) {
	var ibsState, ibsCity, cbs, reduction pgtype.Numeric
	err := s.pool.QueryRow(ctx, `
		SELECT ibs_state, ibs_city, cbs, icms_reduction
		FROM tax_rates WHERE year = $1`, year).Scan(&ibsState, &ibsCity, &cbs, &reduction)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.TaxRates{}, false, nil
	}
	if err != nil {
		return core.TaxRates{}, false, fmt.Errorf("query tax rates: %w", err)
	}
	return core.TaxRates{
		IBSState:      PgNumericToDecimal(ibsState),
		IBSCity:       PgNumericToDecimal(ibsCity),
		CBS:           PgNumericToDecimal(cbs),
		ICMSReduction: PgNumericToDecimal(reduction),
	}, true, nil
}
