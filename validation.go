package account

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used to parse phone numbers written without a country
// prefix.
const DefaultPhoneRegion = "US"

// RegisterInput is the data submitted by the sign-up form.
type RegisterInput struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Name          string `json:"name"`
	Profession    string `json:"profession"`
	ClinicName    string `json:"clinic_name"`
	LicenseNumber string `json:"license_number"`
	Phone         string `json:"phone"`
}

// Validate checks the registration fields.
func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&r.Password, validation.Required, validation.Length(6, 72)),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&r.Profession, validation.Length(0, 200)),
		validation.Field(&r.ClinicName, validation.Length(0, 200)),
		validation.Field(&r.LicenseNumber, validation.Length(0, 64)),
		validation.Field(&r.Phone, validation.Length(0, 32)),
	)
}

// Metadata returns the profile fields forwarded to the identity provider at
// sign-up. Empty fields are omitted.
func (r RegisterInput) Metadata() map[string]any {
	md := map[string]any{"name": strings.TrimSpace(r.Name)}
	for key, value := range map[string]string{
		"profession":     r.Profession,
		"clinic_name":    r.ClinicName,
		"license_number": r.LicenseNumber,
		"phone":          r.Phone,
	} {
		if v := strings.TrimSpace(value); v != "" {
			md[key] = v
		}
	}
	return md
}

// Patch returns the submitted profile fields. Blank optional fields are left
// out so they do not overwrite values already known for the identity.
func (r RegisterInput) Patch() ProfilePatch {
	field := func(v string) *string {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil
		}
		return &v
	}
	return ProfilePatch{
		Name:          field(r.Name),
		Profession:    field(r.Profession),
		ClinicName:    field(r.ClinicName),
		LicenseNumber: field(r.LicenseNumber),
		Phone:         field(r.Phone),
	}
}

// ValidateProfilePatch checks a user submitted update. Relinking is not
// something a user can request, so ID must be nil.
func ValidateProfilePatch(p ProfilePatch) error {
	if p.IsEmpty() {
		return errors.New("nothing to update")
	}
	if p.ID != nil {
		return errors.New("id: cannot be changed")
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.By(notBlank), validation.Length(1, 200)),
		validation.Field(&p.Profession, validation.Length(0, 200)),
		validation.Field(&p.ClinicName, validation.Length(0, 200)),
		validation.Field(&p.LicenseNumber, validation.Length(0, 64)),
		validation.Field(&p.Phone, validation.Length(0, 32)),
	)
}

func notBlank(value any) error {
	var s string
	switch v := value.(type) {
	case *string:
		if v == nil {
			return nil
		}
		s = *v
	case string:
		s = v
	default:
		return nil
	}
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

// NormalizePhone formats phone as E.164. Numbers without a country prefix are
// parsed for region. An empty phone is returned unchanged.
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	if region == "" {
		region = DefaultPhoneRegion
	}
	num, err := phonenumbers.Parse(phone, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("phone %q: %w", phone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("phone %q is not a valid number", phone)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func normalizePatchPhone(p ProfilePatch, region string) (ProfilePatch, error) {
	if p.Phone == nil {
		return p, nil
	}
	phone, err := NormalizePhone(*p.Phone, region)
	if err != nil {
		return p, err
	}
	p.Phone = &phone
	return p, nil
}

func trimPatch(p ProfilePatch) ProfilePatch {
	trim := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := strings.TrimSpace(*s)
		return &v
	}
	return ProfilePatch{
		ID:            p.ID,
		Name:          trim(p.Name),
		Profession:    trim(p.Profession),
		ClinicName:    trim(p.ClinicName),
		LicenseNumber: trim(p.LicenseNumber),
		Phone:         trim(p.Phone),
	}
}
