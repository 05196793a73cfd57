package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Repository = (*Postgres)(nil)

// Postgres implements [Repository] on a pgx connection pool. All operations
// are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, verifies the connection, and
// ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies database connectivity, for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const ddlClinic = `
CREATE TABLE IF NOT EXISTS doctors (
    id            BIGSERIAL    PRIMARY KEY,
    name          TEXT         NOT NULL,
    name_ar       TEXT         NOT NULL,
    specialty     TEXT         NOT NULL,
    specialty_ar  TEXT         NOT NULL,
    branch        TEXT         NOT NULL,
    status        TEXT         NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_doctors_specialty ON doctors (specialty);

CREATE TABLE IF NOT EXISTS patients (
    id                 BIGSERIAL    PRIMARY KEY,
    phone              TEXT         NOT NULL UNIQUE,
    name               TEXT         NOT NULL DEFAULT '',
    name_ar            TEXT         NOT NULL DEFAULT '',
    insurance_company  TEXT         NOT NULL DEFAULT '',
    language           TEXT         NOT NULL DEFAULT 'ar'
);

CREATE TABLE IF NOT EXISTS appointments (
    id          BIGSERIAL    PRIMARY KEY,
    patient_id  BIGINT       NOT NULL REFERENCES patients (id),
    doctor_id   BIGINT       NOT NULL REFERENCES doctors (id),
    starts_at   TIMESTAMPTZ  NOT NULL,
    status      TEXT         NOT NULL DEFAULT 'scheduled',
    notes       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_appointments_patient
    ON appointments (patient_id, starts_at);

CREATE TABLE IF NOT EXISTS insurance (
    id                BIGSERIAL  PRIMARY KEY,
    company_name      TEXT       NOT NULL UNIQUE,
    company_name_ar   TEXT       NOT NULL,
    is_covered        BOOLEAN    NOT NULL DEFAULT TRUE,
    coverage_percent  INT        NOT NULL DEFAULT 0,
    copay_sar         DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// EnsureSchema creates the clinic tables if they do not exist. Idempotent
// and safe to call on every application start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlClinic); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// ListDoctors returns all active doctors.
func (p *Postgres) ListDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, name_ar, specialty, specialty_ar, branch, status
		FROM doctors
		WHERE status = 'active'
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list doctors: %w", err)
	}
	defer rows.Close()

	var out []Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.Name, &d.NameAr, &d.Specialty, &d.SpecialtyAr, &d.Branch, &d.Status); err != nil {
			return nil, fmt.Errorf("store: scan doctor: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListInsurance returns all insurance companies.
func (p *Postgres) ListInsurance(ctx context.Context) ([]Insurance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, company_name, company_name_ar, is_covered, coverage_percent, copay_sar
		FROM insurance
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list insurance: %w", err)
	}
	defer rows.Close()

	var out []Insurance
	for rows.Next() {
		var i Insurance
		if err := rows.Scan(&i.ID, &i.CompanyName, &i.CompanyNameAr, &i.Covered, &i.CoveragePercent, &i.CopaySAR); err != nil {
			return nil, fmt.Errorf("store: scan insurance: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// TodaysAppointments returns the patient's appointments for the current day.
func (p *Postgres) TodaysAppointments(ctx context.Context, phone string) ([]Appointment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.starts_at, a.status, a.notes
		FROM appointments a
		JOIN patients pt ON pt.id = a.patient_id
		WHERE pt.phone = $1
		  AND a.starts_at >= date_trunc('day', now())
		  AND a.starts_at < date_trunc('day', now()) + interval '1 day'
		  AND a.status <> 'cancelled'
		ORDER BY a.starts_at`, NormalizePhone(phone))
	if err != nil {
		return nil, fmt.Errorf("store: today's appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartsAt, &a.Status, &a.Notes); err != nil {
			return nil, fmt.Errorf("store: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertPatientByPhone creates or returns the patient with the given phone.
// An existing patient's name is only filled in when previously empty.
func (p *Postgres) UpsertPatientByPhone(ctx context.Context, phone, name string) (Patient, error) {
	normalized := NormalizePhone(phone)
	var pt Patient
	err := p.pool.QueryRow(ctx, `
		INSERT INTO patients (phone, name)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE
		    SET name = CASE WHEN patients.name = '' THEN EXCLUDED.name ELSE patients.name END
		RETURNING id, phone, name, name_ar, insurance_company, language`,
		normalized, name).
		Scan(&pt.ID, &pt.Phone, &pt.Name, &pt.NameAr, &pt.InsuranceCompany, &pt.Language)
	if err != nil {
		return Patient{}, fmt.Errorf("store: upsert patient: %w", err)
	}
	return pt, nil
}

// CreateAppointment inserts a new scheduled appointment.
func (p *Postgres) CreateAppointment(ctx context.Context, a Appointment) (Appointment, error) {
	if a.Status == "" {
		a.Status = "scheduled"
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, starts_at, status, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		a.PatientID, a.DoctorID, a.StartsAt, a.Status, a.Notes).
		Scan(&a.ID)
	if err != nil {
		return Appointment{}, fmt.Errorf("store: create appointment: %w", err)
	}
	return a, nil
}

// CancelAppointment marks the appointment cancelled.
func (p *Postgres) CancelAppointment(ctx context.Context, id int64) error {
	return p.setStatus(ctx, id, "cancelled")
}

// ConfirmAppointment marks the appointment confirmed.
func (p *Postgres) ConfirmAppointment(ctx context.Context, id int64) error {
	return p.setStatus(ctx, id, "confirmed")
}

func (p *Postgres) setStatus(ctx context.Context, id int64, status string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE appointments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: set appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
