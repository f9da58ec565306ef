package redis

import (
	"encoding/json"
	"strconv"

	"github.com/xraph/quota/account"
)

// Key layout. Every key is prefixed with the store's namespace.
const (
	keyAccount      = "account:"       // account:{user_id} -> accountRecord JSON
	keyAccountIDs   = "accounts"       // set of user ids
	keyReferrals    = "referrals:"     // referrals:{referrer_id} -> set of invited user ids
	keyPeriodEnds   = "period_ends"    // zset of user ids scored by period end (unix ms)
	keyPayment      = "payment:"       // payment:{payload} -> payment JSON
	keyUserPayments = "payments:"      // payments:{user_id} -> zset of payloads by created_at
	keyPaymentCount = "payments_total" // number of settled payments
	keyRevenue      = "revenue:"       // revenue:{currency} -> sum of amounts
	keyEarning      = "earning:"       // earning:{payment_payload} -> earning JSON
	keyUserEarnings = "earnings:"      // earnings:{referrer_id} -> zset of payloads by created_at
	keyUsage        = "usage"          // zset of usage event ids by timestamp (unix ms)
)

// accountRecord is the stored form of an account. The version travels
// with the record because account.Account does not serialize it.
type accountRecord struct {
	Account *account.Account `json:"account"`
	Version int64            `json:"version"`
}

func encodeAccount(a *account.Account) ([]byte, error) {
	return json.Marshal(accountRecord{Account: a, Version: a.Version})
}

func decodeAccount(data []byte) (*account.Account, error) {
	var rec accountRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Account == nil {
		rec.Account = &account.Account{}
	}
	rec.Account.Version = rec.Version
	return rec.Account, nil
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
