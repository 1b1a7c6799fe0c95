// Package identity reads the patient and practitioner rows the prescribing
// layer needs to register people with a vendor. The wider EMR owns writes.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Active       bool       `db:"active" json:"active"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	BirthDate    *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender       *string    `db:"gender" json:"gender,omitempty"`
	PhoneHome    *string    `db:"phone_home" json:"phone_home,omitempty"`
	Email        *string    `db:"email" json:"email,omitempty"`
	AddressLine1 *string    `db:"address_line1" json:"address_line1,omitempty"`
	AddressLine2 *string    `db:"address_line2" json:"address_line2,omitempty"`
	City         *string    `db:"city" json:"city,omitempty"`
	State        *string    `db:"state" json:"state,omitempty"`
	PostalCode   *string    `db:"postal_code" json:"postal_code,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// BirthDateString formats the birth date as YYYY-MM-DD, or "" when unknown.
func (p *Patient) BirthDateString() string {
	if p.BirthDate == nil {
		return ""
	}
	return p.BirthDate.Format("2006-01-02")
}

// Practitioner maps to the practitioner table. UserID links the row to the
// authenticated account that prescribes.
type Practitioner struct {
	ID                uuid.UUID `db:"id" json:"id"`
	UserID            *string   `db:"user_id" json:"user_id,omitempty"`
	Active            bool      `db:"active" json:"active"`
	FirstName         string    `db:"first_name" json:"first_name"`
	LastName          string    `db:"last_name" json:"last_name"`
	NPINumber         *string   `db:"npi_number" json:"npi_number,omitempty"`
	DEANumber         *string   `db:"dea_number" json:"dea_number,omitempty"`
	StateLicenseNum   *string   `db:"state_license_num" json:"state_license_num,omitempty"`
	StateLicenseState *string   `db:"state_license_state" json:"state_license_state,omitempty"`
	Phone             *string   `db:"phone" json:"phone,omitempty"`
	Email             *string   `db:"email" json:"email,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Key is the stable external identity of a practitioner: the linked user id,
// or the row id for practitioners without a login.
func (p *Practitioner) Key() string {
	if u := Deref(p.UserID); u != "" {
		return u
	}
	return p.ID.String()
}

// HasDEA reports whether a controlled-substance registration is on file.
func (p *Practitioner) HasDEA() bool {
	return p != nil && Deref(p.DEANumber) != ""
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
