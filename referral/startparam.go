package referral

import (
	"strconv"
	"strings"
)

const startPrefix = "ref_"

// StartParam is the deep-link parameter that makes the bot's /start
// command carry the inviter's id.
func StartParam(inviterID int64) string {
	return startPrefix + strconv.FormatInt(inviterID, 10)
}

// ParseStartParam extracts the inviter id from a /start parameter. A
// bare numeric id is accepted too.
func ParseStartParam(param string) (int64, bool) {
	param = strings.TrimPrefix(strings.TrimSpace(param), startPrefix)
	inviterID, err := strconv.ParseInt(param, 10, 64)
	if err != nil || inviterID <= 0 {
		return 0, false
	}
	return inviterID, true
}
