package repository

import "time"

// DispatchRecord is the audit row for one experience event call. Transcript text is never stored.
type DispatchRecord struct {
	SessionUUID  string
	CustomerID   string
	Event        string
	Outcome      string
	StatusCode   int
	LatencyMs    int64
	DispatchedAt time.Time
}
