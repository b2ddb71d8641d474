package entities

import "time"

// QuotaRecord is the cached entitlement for one caller token. Capacity
// is kept in whole kilobytes so repeated increments stay integer-exact.
type QuotaRecord struct {
	ID            int64      `json:"-"`
	Token         string     `json:"-"`
	UsedKB        int64      `json:"used_kb"`
	QuotaKB       int64      `json:"quota_kb"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_quota_check,omitempty"`
}

func (q *QuotaRecord) RemainingKB() int64 {
	if q.QuotaKB <= q.UsedKB {
		return 0
	}
	return q.QuotaKB - q.UsedKB
}

func (q *QuotaRecord) HasQuotaAvailable(sizeKB int64) bool {
	return q.RemainingKB() >= sizeKB
}

// SizeToKB converts a byte size to the KB units the ledger accounts in,
// rounding up so partial kilobytes still count.
func SizeToKB(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return (sizeBytes + 1023) / 1024
}
