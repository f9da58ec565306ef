package quota

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/referral"
)

// Settings is the runtime-swappable part of the engine configuration.
type Settings struct {
	Catalog  *plan.Catalog
	Referral referral.Policy
	AdminIDs []int64
}

// DefaultSettings returns the default catalog and referral policy with no
// admins.
func DefaultSettings() Settings {
	return Settings{
		Catalog:  plan.DefaultCatalog(),
		Referral: referral.DefaultPolicy(),
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	var errs MultiError
	if s.Catalog == nil {
		errs.Add(ValidationError{Field: "catalog", Message: "is required"})
	}
	if err := s.Referral.Validate(); err != nil {
		errs.Add(ValidationError{Field: "referral", Message: err.Error()})
	}
	for _, uid := range s.AdminIDs {
		if uid <= 0 {
			errs.Add(ValidationError{Field: "admin_ids", Message: fmt.Sprintf("invalid user id %d", uid)})
		}
	}
	return errs.Err()
}

// snapshot is an immutable view of Settings shared by concurrent calls.
type snapshot struct {
	catalog *plan.Catalog
	policy  referral.Policy
	admins  map[int64]struct{}
}

func newSnapshot(s Settings) *snapshot {
	admins := make(map[int64]struct{}, len(s.AdminIDs))
	for _, uid := range s.AdminIDs {
		admins[uid] = struct{}{}
	}
	return &snapshot{catalog: s.Catalog, policy: s.Referral, admins: admins}
}

func (s *snapshot) isAdmin(userID int64) bool {
	_, ok := s.admins[userID]
	return ok
}

var adminSeparators = regexp.MustCompile(`[ ,;]+`)

// ParseAdminIDs reads a list of user ids separated by spaces, commas or
// semicolons. Entries that are not positive integers are skipped.
func ParseAdminIDs(raw ...string) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, r := range raw {
		for _, part := range adminSeparators.Split(r, -1) {
			uid, err := strconv.ParseInt(part, 10, 64)
			if err != nil || uid <= 0 {
				continue
			}
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			ids = append(ids, uid)
		}
	}
	return ids
}
