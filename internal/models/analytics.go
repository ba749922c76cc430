package models

import "time"

// DailyMetrics are the values recomputed for one bot on one calendar day.
type DailyMetrics struct {
	TotalMessages    int     `json:"total_messages"`
	UniqueUsers      int     `json:"unique_users"`
	NewConversations int     `json:"new_conversations"`
	AvgResponseTime  float64 `json:"avg_response_time"`
}

// DailyAnalytics is unique per (BotID, Date). Date is midnight UTC.
type DailyAnalytics struct {
	BotID string    `json:"bot_id"`
	Date  time.Time `json:"date"`
	DailyMetrics
	UpdatedAt time.Time `json:"updated_at"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
