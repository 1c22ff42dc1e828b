package billing

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGracePeriod is how long a past-due subscription keeps its quota.
const DefaultGracePeriod = 72 * time.Hour

// QuotaPolicy maps tiers to usage limits and defines the grace windows.
//
//	default_paid_tier: standard
//	grace_period: 72h
//	limits:
//	  trial: 3
//	  standard: 100
//	  premium: -1
type QuotaPolicy struct {
	Limits          map[Tier]int64 `yaml:"limits"`
	DefaultPaidTier Tier           `yaml:"default_paid_tier"`
	GracePeriod     time.Duration  `yaml:"grace_period"`
}

// DefaultQuotaPolicy returns the built-in limits.
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		Limits: map[Tier]int64{
			TierTrial:    3,
			TierStandard: 100,
			TierPremium:  Unlimited,
		},
		DefaultPaidTier: TierStandard,
		GracePeriod:     DefaultGracePeriod,
	}
}

// LoadQuotaPolicy reads a YAML policy file. Fields missing from the file keep
// their DefaultQuotaPolicy values; tiers listed in the file replace the defaults.
func LoadQuotaPolicy(path string) (QuotaPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QuotaPolicy{}, errors.Join(ErrFailedToLoadPolicy, err)
	}
	return ParseQuotaPolicy(data)
}

// ParseQuotaPolicy decodes a YAML policy document.
func ParseQuotaPolicy(data []byte) (QuotaPolicy, error) {
	var file QuotaPolicy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return QuotaPolicy{}, errors.Join(ErrFailedToLoadPolicy, err)
	}

	p := DefaultQuotaPolicy()
	for tier, limit := range file.Limits {
		p.Limits[tier] = limit
	}
	if file.DefaultPaidTier != "" {
		p.DefaultPaidTier = file.DefaultPaidTier
	}
	if file.GracePeriod != 0 {
		p.GracePeriod = file.GracePeriod
	}

	if err := p.Validate(); err != nil {
		return QuotaPolicy{}, err
	}
	return p, nil
}

// Validate checks that only known tiers are listed, that every limit is
// Unlimited or non-negative and that the default paid tier has a limit.
func (p QuotaPolicy) Validate() error {
	for tier, limit := range p.Limits {
		if !tier.Valid() {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidPolicy, tier)
		}
		if limit < Unlimited {
			return fmt.Errorf("%w: tier %q has limit %d", ErrInvalidPolicy, tier, limit)
		}
	}
	if _, ok := p.Limits[p.DefaultPaidTier]; !ok {
		return fmt.Errorf("%w: default paid tier %q has no limit", ErrInvalidPolicy, p.DefaultPaidTier)
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalidPolicy)
	}
	return nil
}

// Limit returns the usage limit for tier. Unknown tiers get zero.
func (p QuotaPolicy) Limit(tier Tier) int64 {
	return p.Limits[tier]
}

// paidTier returns the tier a trial is promoted to on its first payment.
func (p QuotaPolicy) paidTier() Tier {
	if p.DefaultPaidTier == "" {
		return TierStandard
	}
	return p.DefaultPaidTier
}

// Coverage reports until when sub may consume quota. A zero time means no
// upper bound. ok is false with the deny reason when usage is not allowed at now.
//
//   - trialing: until PeriodEnd
//   - active: always
//   - past_due: GracePeriod after the status change
//   - cancelling: until CancelAt, or PeriodEnd when no date was given
//   - cancelled: never
func (p QuotaPolicy) Coverage(sub *Subscription, now time.Time) (until time.Time, reason DenyReason, ok bool) {
	if sub == nil {
		return time.Time{}, DenyNoActiveSubscription, false
	}

	switch sub.Status {
	case StatusActive:
		return time.Time{}, "", true
	case StatusTrialing:
		until = sub.PeriodEnd
	case StatusPastDue:
		until = sub.StatusChangedAt.Add(p.GracePeriod)
	case StatusCancelling:
		until = sub.PeriodEnd
		if sub.CancelAt != nil {
			until = *sub.CancelAt
		}
	default:
		return time.Time{}, DenyNoActiveSubscription, false
	}

	if !now.Before(until) {
		return until, DenyGracePeriodExpired, false
	}
	return until, "", true
}

// CurrentPeriodEnd rolls periodEnd forward by whole months until it lies after
// now. A zero periodEnd yields the start of the next calendar month.
func CurrentPeriodEnd(periodEnd, now time.Time) time.Time {
	if periodEnd.IsZero() {
		y, m, _ := now.UTC().Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	}
	end := periodEnd
	for n := 1; !end.After(now); n++ {
		// offsets are taken from the original date so month-end days do not drift
		end = periodEnd.AddDate(0, n, 0)
	}
	return end
}

// PeriodKey identifies the usage counter row of the period ending at end.
func PeriodKey(end time.Time) string {
	return end.UTC().Format("20060102T150405Z")
}
