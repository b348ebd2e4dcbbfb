package labsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/ehr/labsync/internal/domain/identity"
	"github.com/ehr/labsync/internal/platform/lims"
)

// Demographic fields compared by DiffDemographics.
const (
	FieldGender     = "gender"
	FieldGivenName  = "given_name"
	FieldFamilyName = "family_name"
)

// Reconciler matches LIMS patients to local patients.
type Reconciler struct {
	patients        PatientStore
	identifierTypes []string
}

// NewReconciler creates a reconciler that searches identifiers of the given
// national-identifier types.
func NewReconciler(patients PatientStore, identifierTypes []string) *Reconciler {
	return &Reconciler{patients: patients, identifierTypes: identifierTypes}
}

// ResolveLocalPatient returns the patient holding externalID. Active
// identifiers are searched first, then voided ones. It returns nil, nil when
// nobody holds the identifier and ErrDuplicateIdentifier when several
// patients do.
func (r *Reconciler) ResolveLocalPatient(ctx context.Context, externalID string) (*identity.Patient, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}

	var ids []uuid.UUID
	for _, voided := range []bool{false, true} {
		found, err := r.patients.FindPatientIDsByIdentifier(ctx, externalID, r.identifierTypes, voided)
		if err != nil {
			return nil, fmt.Errorf("find patient by identifier: %w", err)
		}
		if len(found) > 0 {
			ids = found
			break
		}
	}

	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		p, err := r.patients.GetByID(ctx, ids[0])
		if err != nil {
			return nil, fmt.Errorf("get patient %s: %w", ids[0], err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q held by %d patients", ErrDuplicateIdentifier, externalID, len(ids))
	}
}

// DiffDemographics returns the fields on which local and remote disagree.
// An empty map means the records match.
func DiffDemographics(local *identity.Patient, remote lims.RemotePatient) map[string]FieldDiff {
	diff := make(map[string]FieldDiff)
	fold := cases.Fold()

	if !sameGender(fold, local.GenderValue(), remote.Gender) {
		diff[FieldGender] = FieldDiff{Local: local.GenderValue(), Remote: remote.Gender}
	}
	if !sameName(fold, local.FirstName, remote.FirstName) {
		diff[FieldGivenName] = FieldDiff{Local: local.FirstName, Remote: remote.FirstName}
	}
	if !sameName(fold, local.LastName, remote.LastName) {
		diff[FieldFamilyName] = FieldDiff{Local: local.LastName, Remote: remote.LastName}
	}
	return diff
}

// sameGender compares only the first letter, so "M" matches "male".
func sameGender(fold cases.Caser, a, b string) bool {
	return fold.String(firstRune(a)) == fold.String(firstRune(b))
}

func firstRune(s string) string {
	for _, r := range strings.TrimSpace(s) {
		return string(r)
	}
	return ""
}

var apostrophes = strings.NewReplacer("'", "", "’", "")

func normalizeName(fold cases.Caser, s string) string {
	return fold.String(strings.TrimSpace(apostrophes.Replace(s)))
}

func sameName(fold cases.Caser, a, b string) bool {
	return normalizeName(fold, a) == normalizeName(fold, b)
}
