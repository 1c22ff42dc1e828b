package pgstore

const (
	subscriptionColumns = `tenant_id, tier, status, period_end, cancel_at, status_changed_at,
		last_event_at, last_event_id, version, created_at, updated_at`

	selectSubscriptionSQL = `SELECT ` + subscriptionColumns + `
		FROM billing_subscriptions WHERE tenant_id = $1`

	insertSubscriptionSQL = `INSERT INTO billing_subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id) DO NOTHING`

	updateSubscriptionSQL = `UPDATE billing_subscriptions
		SET tier = $2, status = $3, period_end = $4, cancel_at = $5, status_changed_at = $6,
			last_event_at = $7, last_event_id = $8, version = $9, updated_at = $10
		WHERE tenant_id = $1 AND version = $11`

	selectEventSQL = `SELECT provider, event_id, event_type, tenant_id, received_at, outcome
		FROM billing_processed_events WHERE provider = $1 AND event_id = $2`

	insertEventSQL = `INSERT INTO billing_processed_events
		(provider, event_id, event_type, tenant_id, received_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, event_id) DO NOTHING`

	selectAuditSQL = `SELECT id, tenant_id, from_status, to_status, cause_event_id, provider,
		event_type, outcome, reason, applied_at
		FROM billing_audit_log`

	insertAuditSQL = `INSERT INTO billing_audit_log
		(id, tenant_id, from_status, to_status, cause_event_id, provider, event_type, outcome, reason, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	usageColumns = `tenant_id, period_key, consumed, usage_limit, created_at, updated_at`

	selectUsageSQL = `SELECT ` + usageColumns + `
		FROM billing_usage_counters WHERE tenant_id = $1 AND period_key = $2`

	insertUsageSQL = `INSERT INTO billing_usage_counters (` + usageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, period_key) DO NOTHING`

	// -1 is billing.Unlimited
	incrementUsageSQL = `UPDATE billing_usage_counters
		SET consumed = consumed + $3, usage_limit = $4, updated_at = $5
		WHERE tenant_id = $1 AND period_key = $2 AND ($4 = -1 OR consumed + $3 <= $4)
		RETURNING ` + usageColumns
)
