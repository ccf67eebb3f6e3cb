package patient

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the single-attribute reference tables. Name is the
// table, Attribute the column holding the deduplicated value.
type Kind struct {
	Name      string
	Attribute string
}

var (
	KindProvince        = Kind{Name: "province", Attribute: "province"}
	KindDistrict        = Kind{Name: "district", Attribute: "district"}
	KindMunicipality    = Kind{Name: "municipality", Attribute: "municipality"}
	KindVillage         = Kind{Name: "village", Attribute: "village"}
	KindCompany         = Kind{Name: "company", Attribute: "company"}
	KindOccupationTitle = Kind{Name: "occupation_title", Attribute: "occupation_title"}
)

// Kinds lists every reference kind.
var Kinds = []Kind{
	KindProvince, KindDistrict, KindMunicipality, KindVillage, KindCompany, KindOccupationTitle,
}

// Valid reports whether k is one of the known reference kinds. Stores only
// interpolate table and column names of valid kinds into SQL.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return k.Name }

// Reference is a shared lookup row (province, village, company, ...). At most
// one row exists per (Kind, Value). A zero ID means the row is staged in a
// scope and not yet persisted.
type Reference struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"-"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Persisted reports whether the reference has been written.
func (r *Reference) Persisted() bool { return r != nil && r.ID != uuid.Nil }

// Patient is the aggregate root. Addresses, contact details, occupations and
// diagnoses are owned by exactly one patient and are deleted with it.
type Patient struct {
	ID               uuid.UUID `json:"id"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	Gender           string    `json:"gender"`
	DateOfBirth      time.Time `json:"date_of_birth"`
	RegistrationDate time.Time `json:"registration_date"`
	ReferredBy       *string   `json:"referred_by,omitempty"`
	AccompaniedBy    *string   `json:"accompanied_by,omitempty"`
	FamilyDiabetics  *string   `json:"family_diabetics,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	Addresses      []*Address        `json:"address"`
	ContactDetails []*ContactDetails `json:"contact_details"`
	Occupations    []*Occupation     `json:"occupation"`
	Diagnoses      []*Diagnosis      `json:"diagnosis"`
}

// Address maps to the address table. Every reference is independently optional.
type Address struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Address      *string    `json:"address,omitempty"`
	Village      *Reference `json:"village,omitempty"`
	Municipality *Reference `json:"municipality,omitempty"`
	District     *Reference `json:"district,omitempty"`
	Province     *Reference `json:"province,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ContactDetails maps to the contact_details table.
type ContactDetails struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	Phone     *string   `json:"phone,omitempty"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Diagnosis maps to the diagnosis table.
type Diagnosis struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	Diagnosis string     `json:"diagnosis"`
	Advent    *time.Time `json:"advent,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Occupation maps to the occupation table.
type Occupation struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Description *string    `json:"description,omitempty"`
	Title       *Reference `json:"occupation_title,omitempty"`
	Company     *Reference `json:"company,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// newID returns a time-ordered identifier so that ordering by id matches
// insertion order.
func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func refID(r *Reference) *uuid.UUID {
	if r == nil {
		return nil
	}
	id := r.ID
	return &id
}
