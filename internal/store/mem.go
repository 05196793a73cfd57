package store

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Repository = (*Mem)(nil)

// Mem is an in-memory [Repository] for tests and local development.
type Mem struct {
	mu           sync.Mutex
	doctors      []Doctor
	insurance    []Insurance
	patients     map[string]Patient // by normalized phone
	appointments map[int64]Appointment
	nextID       int64
}

// NewMem creates an empty in-memory repository.
func NewMem() *Mem {
	return &Mem{
		patients:     make(map[string]Patient),
		appointments: make(map[int64]Appointment),
	}
}

// SeedDoctors replaces the doctor list.
func (m *Mem) SeedDoctors(doctors ...Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors = doctors
}

// SeedInsurance replaces the insurance list.
func (m *Mem) SeedInsurance(companies ...Insurance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insurance = companies
}

func (m *Mem) ListDoctors(context.Context) ([]Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Doctor, 0, len(m.doctors))
	for _, d := range m.doctors {
		if d.Status == "" || d.Status == "active" {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mem) ListInsurance(context.Context) ([]Insurance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Insurance, len(m.insurance))
	copy(out, m.insurance)
	return out, nil
}

func (m *Mem) TodaysAppointments(_ context.Context, phone string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, ok := m.patients[NormalizePhone(phone)]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var out []Appointment
	for _, a := range m.appointments {
		if a.PatientID == pt.ID && a.Status != "cancelled" &&
			!a.StartsAt.Before(dayStart) && a.StartsAt.Before(dayEnd) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Mem) UpsertPatientByPhone(_ context.Context, phone, name string) (Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := NormalizePhone(phone)
	if pt, ok := m.patients[normalized]; ok {
		if pt.Name == "" {
			pt.Name = name
			m.patients[normalized] = pt
		}
		return pt, nil
	}

	m.nextID++
	pt := Patient{ID: m.nextID, Phone: normalized, Name: name, Language: "ar"}
	m.patients[normalized] = pt
	return pt, nil
}

func (m *Mem) CreateAppointment(_ context.Context, a Appointment) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	a.ID = m.nextID
	if a.Status == "" {
		a.Status = "scheduled"
	}
	m.appointments[a.ID] = a
	return a, nil
}

func (m *Mem) CancelAppointment(_ context.Context, id int64) error {
	return m.setStatus(id, "cancelled")
}

func (m *Mem) ConfirmAppointment(_ context.Context, id int64) error {
	return m.setStatus(id, "confirmed")
}

func (m *Mem) setStatus(id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	m.appointments[id] = a
	return nil
}
