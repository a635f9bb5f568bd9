package account

import (
	"strings"
)

// DemoEmail is the built-in demonstration identity.
const DemoEmail = "admin@petcare.com"

const (
	defaultProfession = "Veterinarian"
	defaultClinicName = "PetCare Veterinary Clinic"
)

// DefaultsFunc builds the profile auto-created for an identity with no row.
type DefaultsFunc func(identity Identity) *Profile

// NewDefaults returns the stock DefaultsFunc. The identity whose email matches
// demoEmail receives the canned demonstration profile.
func NewDefaults(demoEmail string) DefaultsFunc {
	demoEmail = NormalizeEmail(demoEmail)
	return func(identity Identity) *Profile {
		email := NormalizeEmail(identity.Email)
		if demoEmail != "" && email == demoEmail {
			return demoProfile(identity.ID, email)
		}

		profile := &Profile{
			ID:         identity.ID,
			Email:      email,
			Name:       firstNonEmpty(metadataString(identity.Metadata, "name"), localPart(email)),
			Profession: firstNonEmpty(metadataString(identity.Metadata, "profession"), defaultProfession),
			ClinicName: firstNonEmpty(metadataString(identity.Metadata, "clinic_name"), defaultClinicName),
		}
		profile.LicenseNumber = metadataString(identity.Metadata, "license_number")
		profile.Phone = metadataString(identity.Metadata, "phone")
		return profile
	}
}

func demoProfile(id, email string) *Profile {
	return &Profile{
		ID:            id,
		Email:         email,
		Name:          "Dr. Admin",
		Profession:    "Chief Veterinarian",
		ClinicName:    defaultClinicName,
		LicenseNumber: "VET-0001",
		Phone:         "+15555550100",
	}
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
