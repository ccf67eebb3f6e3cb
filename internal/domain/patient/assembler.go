package patient

import (
	"context"
	"fmt"
	"time"
)

// AddressPolicy decides when a payload without an address line still yields
// an address row.
type AddressPolicy int

const (
	// AddressRequireLine assembles an address only when the line is present.
	AddressRequireLine AddressPolicy = iota
	// AddressFromReferences also assembles one, with no line, when any of
	// province, district, municipality or village is present.
	AddressFromReferences
)

func (p AddressPolicy) String() string {
	if p == AddressFromReferences {
		return "from-references"
	}
	return "require-line"
}

// ParseAddressPolicy accepts "require-line" (or "") and "from-references".
func ParseAddressPolicy(s string) (AddressPolicy, error) {
	switch s {
	case "", "require-line":
		return AddressRequireLine, nil
	case "from-references":
		return AddressFromReferences, nil
	}
	return 0, fmt.Errorf("unknown address policy %q", s)
}

// Assembler builds patient aggregates from intake payloads.
type Assembler struct {
	resolver      *Resolver
	dates         DateParser
	now           func() time.Time
	addressPolicy AddressPolicy
}

type AssemblerOption func(*Assembler)

func WithDateParser(d DateParser) AssemblerOption {
	return func(a *Assembler) { a.dates = d }
}

func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

func WithAddressPolicy(p AddressPolicy) AssemblerOption {
	return func(a *Assembler) { a.addressPolicy = p }
}

func NewAssembler(resolver *Resolver, opts ...AssemblerOption) *Assembler {
	a := &Assembler{resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble validates p and builds a patient with its address, contact
// details, occupation and diagnosis, in that order. The patient is staged in
// scope; nothing is written until the scope flushes.
func (a *Assembler) Assemble(ctx context.Context, scope *Scope, p Payload) (*Patient, error) {
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	patient, err := a.newPatient(p)
	if err != nil {
		return nil, err
	}
	if _, err := a.AssembleRecords(ctx, scope, p, patient); err != nil {
		return nil, err
	}
	scope.Add(patient)
	return patient, nil
}

// AssembleRecords adds whichever sub-records p carries to patient and reports
// how many were added.
func (a *Assembler) AssembleRecords(ctx context.Context, scope *Scope, p Payload, patient *Patient) (int, error) {
	if err := validateDependents(p); err != nil {
		return 0, err
	}
	added := 0
	address, err := a.AssembleAddress(ctx, scope, p, patient)
	if err != nil {
		return 0, err
	}
	if address != nil {
		added++
	}
	contact, err := a.AssembleContactDetails(p, patient)
	if err != nil {
		return 0, err
	}
	if contact != nil {
		added++
	}
	occupation, err := a.AssembleOccupation(ctx, scope, p, patient)
	if err != nil {
		return 0, err
	}
	if occupation != nil {
		added++
	}
	diagnosis, err := a.AssembleDiagnosis(p, patient)
	if err != nil {
		return 0, err
	}
	if diagnosis != nil {
		added++
	}
	return added, nil
}

func (a *Assembler) newPatient(p Payload) (*Patient, error) {
	patient := &Patient{}
	first, err := p.String(FieldFirstName)
	if err != nil {
		return nil, err
	}
	last, err := p.String(FieldLastName)
	if err != nil {
		return nil, err
	}
	rawGender, err := p.String(FieldGender)
	if err != nil {
		return nil, err
	}
	gender, err := NormalizeGender(*rawGender)
	if err != nil {
		return nil, err
	}
	dob, err := p.Date(FieldDateOfBirth, a.dates)
	if err != nil {
		return nil, err
	}
	registered, err := p.Date(FieldRegistrationDate, a.dates)
	if err != nil {
		return nil, err
	}
	if registered == nil {
		today := a.dates.Today(a.now())
		registered = &today
	}
	patient.FirstName, patient.LastName, patient.Gender = *first, *last, gender
	patient.DateOfBirth, patient.RegistrationDate = *dob, *registered

	if patient.ReferredBy, err = p.String(FieldReferredBy); err != nil {
		return nil, err
	}
	if patient.AccompaniedBy, err = p.String(FieldAccompaniedBy); err != nil {
		return nil, err
	}
	if patient.FamilyDiabetics, err = p.String(FieldFamilyDiabetics); err != nil {
		return nil, err
	}
	return patient, nil
}

// AssembleAddress adds an address to patient when p carries one; see
// AddressPolicy. Each reference is resolved independently and may be nil.
func (a *Assembler) AssembleAddress(ctx context.Context, scope *Scope, p Payload, patient *Patient) (*Address, error) {
	line, err := p.String(FieldAddress)
	if err != nil {
		return nil, err
	}
	if line == nil {
		if a.addressPolicy != AddressFromReferences ||
			!p.HasAny(FieldProvince, FieldDistrict, FieldMunicipality, FieldVillage) {
			return nil, nil
		}
	}
	address := &Address{Address: line}
	if address.Province, err = a.reference(ctx, scope, p, FieldProvince, KindProvince); err != nil {
		return nil, err
	}
	if address.Village, err = a.reference(ctx, scope, p, FieldVillage, KindVillage); err != nil {
		return nil, err
	}
	if address.Municipality, err = a.reference(ctx, scope, p, FieldMunicipality, KindMunicipality); err != nil {
		return nil, err
	}
	if address.District, err = a.reference(ctx, scope, p, FieldDistrict, KindDistrict); err != nil {
		return nil, err
	}
	patient.Addresses = append(patient.Addresses, address)
	return address, nil
}

// AssembleContactDetails adds contact details when p carries an email or phone.
func (a *Assembler) AssembleContactDetails(p Payload, patient *Patient) (*ContactDetails, error) {
	if !p.HasAny(FieldEmail, FieldPhone) {
		return nil, nil
	}
	contact := &ContactDetails{}
	var err error
	if contact.Email, err = p.String(FieldEmail); err != nil {
		return nil, err
	}
	if contact.Phone, err = p.String(FieldPhone); err != nil {
		return nil, err
	}
	patient.ContactDetails = append(patient.ContactDetails, contact)
	return contact, nil
}

// AssembleOccupation adds an occupation when p carries a description, title or company.
func (a *Assembler) AssembleOccupation(ctx context.Context, scope *Scope, p Payload, patient *Patient) (*Occupation, error) {
	if !p.HasAny(FieldOccupationDescription, FieldOccupationTitle, FieldCompany) {
		return nil, nil
	}
	occupation := &Occupation{}
	var err error
	if occupation.Description, err = p.String(FieldOccupationDescription); err != nil {
		return nil, err
	}
	if occupation.Title, err = a.reference(ctx, scope, p, FieldOccupationTitle, KindOccupationTitle); err != nil {
		return nil, err
	}
	if occupation.Company, err = a.reference(ctx, scope, p, FieldCompany, KindCompany); err != nil {
		return nil, err
	}
	patient.Occupations = append(patient.Occupations, occupation)
	return occupation, nil
}

// AssembleDiagnosis adds a diagnosis when p carries one. An advent date
// without a diagnosis is rejected.
func (a *Assembler) AssembleDiagnosis(p Payload, patient *Patient) (*Diagnosis, error) {
	if err := validateDependents(p); err != nil {
		return nil, err
	}
	text, err := p.String(FieldDiagnosis)
	if err != nil || text == nil {
		return nil, err
	}
	advent, err := p.Date(FieldDiagnosisAdvent, a.dates)
	if err != nil {
		return nil, err
	}
	diagnosis := &Diagnosis{Diagnosis: *text, Advent: advent}
	patient.Diagnoses = append(patient.Diagnoses, diagnosis)
	return diagnosis, nil
}

func (a *Assembler) reference(ctx context.Context, scope *Scope, p Payload, field string, kind Kind) (*Reference, error) {
	value, err := p.String(field)
	if err != nil {
		return nil, err
	}
	return a.resolver.ResolveOrCreate(ctx, scope, kind, value)
}
