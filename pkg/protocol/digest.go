package protocol

import "time"

// DigestSection summarizes one named partition of the queue.
type DigestSection struct {
	Name       string `json:"name"`
	Total      int    `json:"total"`
	StaleCount int    `json:"stale_count"`
}

// DigestItem is one entry in the oldest-stale ranking.
type DigestItem struct {
	TicketKey     string `json:"ticket_key"`
	CustomerEmail string `json:"customer_email"`
	Subject       string `json:"subject"`
	ClaimedBy     string `json:"claimed_by,omitempty"`
	AgeHours      int    `json:"age_hours"`
	AgeDisplay    string `json:"age_display"`
	Partition     string `json:"partition"`
}

// DigestPayload is the queue-health summary handed to notification
// senders. Delivery itself is out of the core's hands.
type DigestPayload struct {
	Text        string          `json:"text"`
	Sections    []DigestSection `json:"sections"`
	OldestStale []DigestItem    `json:"oldest_stale,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}
