package usage

import (
	"errors"
	"fmt"
	"time"
)

// Counter is one quota's consumption for one billing period.
type Counter struct {
	AccountID   string    `json:"account_id"`
	Quota       string    `json:"quota"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Count       int64     `json:"count"`
	Open        bool      `json:"open"`
}

// QuotaExceededError indicates an increment would push a counter past its limit.
type QuotaExceededError struct {
	Quota   string `json:"quota"`
	Current int64  `json:"current"`
	Limit   int64  `json:"limit"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d", e.Quota, e.Current, e.Limit)
}

// IsQuotaExceeded reports whether err is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
