// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

var recipientTransitions = map[RecipientStatus][]RecipientStatus{
	RecipientPending:   {RecipientSending, RecipientFailed},
	RecipientSending:   {RecipientSent, RecipientFailed},
	RecipientSent:      {RecipientDelivered, RecipientRead, RecipientFailed},
	RecipientDelivered: {RecipientRead, RecipientFailed},
}

func ParseRecipientStatus(s string) (RecipientStatus, bool) {
	st := RecipientStatus(s)
	switch st {
	case RecipientPending, RecipientSending, RecipientSent, RecipientDelivered, RecipientRead, RecipientFailed:
		return st, true
	}
	return "", false
}

// Terminal reports whether no callback can move the recipient any further.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientRead || s == RecipientFailed
}

// InFlight reports whether the recipient still blocks campaign completion.
func (s RecipientStatus) InFlight() bool {
	return s == RecipientPending || s == RecipientSending
}

func (s RecipientStatus) CanTransition(to RecipientStatus) bool {
	for _, next := range recipientTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Delta returns the campaign counter change caused by moving a recipient
// from one status to another. Counters track the recipient's current bucket,
// so a late failure moves the recipient out of sent/delivered.
func Delta(from, to RecipientStatus) CounterDelta {
	var d CounterDelta
	switch to {
	case RecipientSent:
		d.Sent = 1
	case RecipientDelivered:
		if from == RecipientSent {
			d.Delivered = 1
		}
	case RecipientRead:
		if from == RecipientSent {
			d.Delivered = 1
		}
	case RecipientFailed:
		d.Failed = 1
		switch from {
		case RecipientSent:
			d.Sent = -1
		case RecipientDelivered:
			d.Sent = -1
			d.Delivered = -1
		}
	}
	return d
}

type Recipient struct {
	ID                int               `db:"id" json:"id"`
	CampaignID        int               `db:"campaign_id" json:"campaign_id"`
	TenantID          string            `db:"tenant_id" json:"tenant_id"`
	ContactID         int               `db:"contact_id" json:"contact_id"`
	Address           string            `db:"address" json:"address"`
	Fields            map[string]string `db:"fields" json:"fields,omitempty"`
	RenderedContent   string            `db:"rendered_content" json:"rendered_content,omitempty"`
	Status            RecipientStatus   `db:"status" json:"status"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time        `db:"failed_at" json:"failed_at,omitempty"`
	ErrorMessage      string            `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RecipientPatch holds the optional columns written with a transition.
// Nil and empty values leave the stored column untouched.
type RecipientPatch struct {
	RenderedContent   string
	ProviderMessageID string
	ErrorMessage      string
	At                time.Time
}

// RecipientTransition is a conditional update: it applies only while the
// recipient is still in From, and carries the campaign counter delta.
type RecipientTransition struct {
	RecipientID int
	CampaignID  int
	From        RecipientStatus
	To          RecipientStatus
	Patch       RecipientPatch
}

func (t RecipientTransition) Delta() CounterDelta { return Delta(t.From, t.To) }

// TimelineEntry is one reached status of a message.
type TimelineEntry struct {
	Status RecipientStatus `json:"status"`
	At     time.Time       `json:"at"`
}

// Timeline returns the timestamps reached by the recipient in lifecycle order.
func (r *Recipient) Timeline() []TimelineEntry {
	entries := []TimelineEntry{}
	add := func(st RecipientStatus, at *time.Time) {
		if at != nil {
			entries = append(entries, TimelineEntry{Status: st, At: *at})
		}
	}
	add(RecipientSent, r.SentAt)
	add(RecipientDelivered, r.DeliveredAt)
	add(RecipientRead, r.ReadAt)
	add(RecipientFailed, r.FailedAt)
	return entries
}

type StatsBucket string

const (
	BucketHour  StatsBucket = "hour"
	BucketDay   StatsBucket = "day"
	BucketWeek  StatsBucket = "week"
	BucketMonth StatsBucket = "month"
)

func ParseStatsBucket(s string) (StatsBucket, bool) {
	b := StatsBucket(s)
	switch b {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return b, true
	case "":
		return BucketDay, true
	}
	return "", false
}

// Truncate floors t to the start of the bucket in UTC. Weeks start on Monday.
func (b StatsBucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

type TimeRange struct {
	From   time.Time
	To     time.Time
	Bucket StatsBucket
}

// DeliveryStats is the per-status count for one time bucket.
type DeliveryStats struct {
	BucketStart time.Time `json:"bucket_start"`
	Pending     int       `json:"pending"`
	Sending     int       `json:"sending"`
	Sent        int       `json:"sent"`
	Delivered   int       `json:"delivered"`
	Read        int       `json:"read"`
	Failed      int       `json:"failed"`
}

func (s *DeliveryStats) Add(status RecipientStatus, n int) {
	switch status {
	case RecipientPending:
		s.Pending += n
	case RecipientSending:
		s.Sending += n
	case RecipientSent:
		s.Sent += n
	case RecipientDelivered:
		s.Delivered += n
	case RecipientRead:
		s.Read += n
	case RecipientFailed:
		s.Failed += n
	}
}
