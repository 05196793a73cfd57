// Package store is the clinic data layer: doctors, patients, appointments,
// and insurance coverage, exposed through the [Repository] interface. A
// PostgreSQL implementation backs production; [Mem] backs tests.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Doctor is a physician available for booking.
type Doctor struct {
	ID          int64
	Name        string
	NameAr      string
	Specialty   string
	SpecialtyAr string
	Branch      string
	Status      string // active, inactive, on_leave
}

// Patient is identified primarily by normalized phone number.
type Patient struct {
	ID               int64
	Phone            string
	Name             string
	NameAr           string
	InsuranceCompany string
	Language         string // ar, en
}

// Appointment is one booking between a patient and a doctor.
type Appointment struct {
	ID        int64
	PatientID int64
	DoctorID  int64
	StartsAt  time.Time
	Status    string // scheduled, confirmed, cancelled, completed
	Notes     string
}

// Insurance describes one company's coverage terms.
type Insurance struct {
	ID              int64
	CompanyName     string
	CompanyNameAr   string
	Covered         bool
	CoveragePercent int
	CopaySAR        float64
}

// Repository is the read/write surface the call pipeline uses. All methods
// are safe for concurrent use.
type Repository interface {
	ListDoctors(ctx context.Context) ([]Doctor, error)
	ListInsurance(ctx context.Context) ([]Insurance, error)

	// TodaysAppointments returns the patient's appointments for the current
	// day, identified by normalized phone. A missing patient yields an empty
	// slice, not an error.
	TodaysAppointments(ctx context.Context, phone string) ([]Appointment, error)

	// UpsertPatientByPhone creates or returns the patient with the given
	// normalized phone.
	UpsertPatientByPhone(ctx context.Context, phone, name string) (Patient, error)

	CreateAppointment(ctx context.Context, a Appointment) (Appointment, error)
	CancelAppointment(ctx context.Context, id int64) error
	ConfirmAppointment(ctx context.Context, id int64) error
}

// NormalizePhone converts Saudi local numbers ("05XXXXXXXX") to E.164
// ("+9665XXXXXXXX"). Already-normalized numbers pass through unchanged, so
// the function is idempotent. Spaces and dashes are stripped first.
func NormalizePhone(phone string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	if strings.HasPrefix(cleaned, "05") {
		return "+966" + cleaned[1:]
	}
	return cleaned
}
