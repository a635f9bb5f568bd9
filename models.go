package account

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Profile is the clinic user's application record. ID converges to the id of
// the Identity that owns Email.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:prf"`
	ID            string     `bun:"id,pk" json:"id"`
	Email         string     `bun:"email,notnull,unique" json:"email"`
	Name          string     `bun:"name,notnull" json:"name"`
	Profession    string     `bun:"profession" json:"profession,omitempty"`
	ClinicName    string     `bun:"clinic_name" json:"clinic_name,omitempty"`
	LicenseNumber string     `bun:"license_number" json:"license_number,omitempty"`
	Phone         string     `bun:"phone" json:"phone,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Clone returns a copy that does not share timestamp pointers.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.CreatedAt != nil {
		t := *p.CreatedAt
		c.CreatedAt = &t
	}
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// ProfilePatch lists the fields an update may change. Nil fields are left as
// they are. Setting ID relinks the row to another identity.
type ProfilePatch struct {
	ID            *string `json:"id,omitempty"`
	Name          *string `json:"name,omitempty"`
	Profession    *string `json:"profession,omitempty"`
	ClinicName    *string `json:"clinic_name,omitempty"`
	LicenseNumber *string `json:"license_number,omitempty"`
	Phone         *string `json:"phone,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p ProfilePatch) IsEmpty() bool {
	return p.ID == nil && p.Name == nil && p.Profession == nil &&
		p.ClinicName == nil && p.LicenseNumber == nil && p.Phone == nil
}

// Apply copies the set fields of the patch onto profile.
func (p ProfilePatch) Apply(profile *Profile) {
	if profile == nil {
		return
	}
	if p.ID != nil {
		profile.ID = *p.ID
	}
	if p.Name != nil {
		profile.Name = *p.Name
	}
	if p.Profession != nil {
		profile.Profession = *p.Profession
	}
	if p.ClinicName != nil {
		profile.ClinicName = *p.ClinicName
	}
	if p.LicenseNumber != nil {
		profile.LicenseNumber = *p.LicenseNumber
	}
	if p.Phone != nil {
		profile.Phone = *p.Phone
	}
}

// Columns returns the column names the patch sets, in a stable order.
func (p ProfilePatch) Columns() []string {
	cols := make([]string, 0, 6)
	if p.ID != nil {
		cols = append(cols, "id")
	}
	if p.Name != nil {
		cols = append(cols, "name")
	}
	if p.Profession != nil {
		cols = append(cols, "profession")
	}
	if p.ClinicName != nil {
		cols = append(cols, "clinic_name")
	}
	if p.LicenseNumber != nil {
		cols = append(cols, "license_number")
	}
	if p.Phone != nil {
		cols = append(cols, "phone")
	}
	return cols
}

// RelinkPatch moves a profile row to a new identity id.
func RelinkPatch(id string) ProfilePatch {
	return ProfilePatch{ID: &id}
}

func (p ProfilePatch) String() string {
	return fmt.Sprintf("ProfilePatch%v", p.Columns())
}
