package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// MemoryStore keeps every collection in process memory behind one mutex.
// It backs STORE_DRIVER=memory and the package tests; the per-collection
// views below satisfy the same interfaces as the Postgres repositories.
type MemoryStore struct {
	mu sync.Mutex

	campaigns  map[int]*model.Campaign
	recipients map[int]*model.Recipient
	customers  map[int]*model.Customer
	webhooks   map[int]*model.WebhookRegistration
	logs       []*model.WebhookDeliveryLog

	nextCampaign, nextRecipient, nextCustomer, nextWebhook, nextLog int

	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  map[int]*model.Campaign{},
		recipients: map[int]*model.Recipient{},
		customers:  map[int]*model.Customer{},
		webhooks:   map[int]*model.WebhookRegistration{},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

type (
	MemoryCampaignRepository  MemoryStore
	MemoryRecipientRepository MemoryStore
	MemoryCustomerRepository  MemoryStore
	MemoryWebhookRepository   MemoryStore
)

func (s *MemoryStore) Campaigns() *MemoryCampaignRepository   { return (*MemoryCampaignRepository)(s) }
func (s *MemoryStore) Recipients() *MemoryRecipientRepository { return (*MemoryRecipientRepository)(s) }
func (s *MemoryStore) Customers() *MemoryCustomerRepository   { return (*MemoryCustomerRepository)(s) }
func (s *MemoryStore) Webhooks() *MemoryWebhookRepository     { return (*MemoryWebhookRepository)(s) }

// AddCustomer seeds a contact and returns its ID.
func (s *MemoryStore) AddCustomer(c model.Customer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCustomer++
	c.ID = s.nextCustomer
	s.customers[c.ID] = &c
	return c.ID
}

// ====================== Campaigns ======================

func (r *MemoryCampaignRepository) Create(_ context.Context, c *model.Campaign) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCampaign++
	c.ID = s.nextCampaign
	c.CreatedAt = s.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (r *MemoryCampaignRepository) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCampaignRepository) ListCampaigns(_ context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.filterCampaigns(func(c *model.Campaign) bool {
		return c.TenantID == tenantID &&
			(channel == "" || c.Channel == channel) &&
			(status == "" || string(c.Status) == status)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *MemoryCampaignRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	due := s.filterCampaigns(func(c *model.Campaign) bool {
		return c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	return truncate(due, limit), nil
}

func (r *MemoryCampaignRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*model.Campaign, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.filterCampaigns(func(c *model.Campaign) bool {
		if c.Status != model.CampaignSending {
			return false
		}
		last := c.CreatedAt
		if c.StartedAt != nil {
			last = *c.StartedAt
		}
		if c.LastProgressAt != nil {
			last = *c.LastProgressAt
		}
		return last.Before(before)
	})
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return truncate(stale, limit), nil
}

func (r *MemoryCampaignRepository) TransitionStatus(_ context.Context, id int, to model.CampaignStatus, from ...model.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s needs at least one source status", to)
	}
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if c.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	now := s.Now()
	c.Status = to
	c.UpdatedAt = &now
	switch {
	case to == model.CampaignSending:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		c.LastProgressAt = &now
	case to.Terminal():
		c.CompletedAt = &now
	}
	return true, nil
}

func (r *MemoryCampaignRepository) SetTotal(_ context.Context, id, total int) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.TotalCount = total
	return nil
}

func (r *MemoryCampaignRepository) GetCampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]int{"total": 0, "pending": 0, "sending": 0, "sent": 0, "delivered": 0, "read": 0, "failed": 0}
	for _, rec := range s.recipients {
		if rec.CampaignID == campaignID {
			stats[string(rec.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

func (s *MemoryStore) filterCampaigns(keep func(*model.Campaign) bool) []*model.Campaign {
	out := []*model.Campaign{}
	for _, c := range s.campaigns {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// ====================== Recipients ======================

func (r *MemoryRecipientRepository) InsertIfAbsent(_ context.Context, recipients []*model.Recipient) (int, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := map[[2]int]bool{}
	for _, rec := range s.recipients {
		existing[[2]int{rec.CampaignID, rec.ContactID}] = true
	}
	inserted := 0
	now := s.Now()
	for _, rec := range recipients {
		key := [2]int{rec.CampaignID, rec.ContactID}
		if existing[key] {
			continue
		}
		existing[key] = true
		s.nextRecipient++
		cp := *rec
		cp.ID = s.nextRecipient
		cp.Status = model.RecipientPending
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.recipients[cp.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (r *MemoryRecipientRepository) CountByCampaign(_ context.Context, campaignID int) (int, error) {
	return len((*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return rec.CampaignID == campaignID
	})), nil
}

func (r *MemoryRecipientRepository) CountInFlight(_ context.Context, campaignID int) (int, error) {
	return len((*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return rec.CampaignID == campaignID && rec.Status.InFlight()
	})), nil
}

func (r *MemoryRecipientRepository) ListPending(_ context.Context, campaignID, afterID, limit int) ([]*model.Recipient, error) {
	pending := (*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return rec.CampaignID == campaignID && rec.Status == model.RecipientPending && rec.ID > afterID
	})
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return truncate(pending, limit), nil
}

func (r *MemoryRecipientRepository) Transition(_ context.Context, t model.RecipientTransition) (bool, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recipients[t.RecipientID]
	if !ok || rec.Status != t.From {
		return false, nil
	}
	at := t.Patch.At
	if at.IsZero() {
		at = s.Now()
	}
	rec.Status = t.To
	if t.Patch.RenderedContent != "" {
		rec.RenderedContent = t.Patch.RenderedContent
	}
	if t.Patch.ProviderMessageID != "" {
		rec.ProviderMessageID = t.Patch.ProviderMessageID
	}
	if t.Patch.ErrorMessage != "" {
		rec.ErrorMessage = t.Patch.ErrorMessage
	}
	switch t.To {
	case model.RecipientSent:
		rec.SentAt = &at
	case model.RecipientDelivered:
		rec.DeliveredAt = &at
	case model.RecipientRead:
		rec.ReadAt = &at
	case model.RecipientFailed:
		rec.FailedAt = &at
	}
	now := s.Now()
	rec.UpdatedAt = now

	if c, ok := s.campaigns[t.CampaignID]; ok {
		d := t.Delta()
		c.SentCount += d.Sent
		c.DeliveredCount += d.Delivered
		c.FailedCount += d.Failed
		c.LastProgressAt = &now
	}
	return true, nil
}

func (r *MemoryRecipientRepository) FailInFlight(_ context.Context, campaignID int, status model.RecipientStatus, before time.Time, reason string) (int, error) {
	if !status.InFlight() {
		return 0, fmt.Errorf("fail in-flight recipients: %s is not an in-flight status", status)
	}
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	n := 0
	for _, rec := range s.recipients {
		if rec.CampaignID == campaignID && rec.Status == status && (before.IsZero() || rec.UpdatedAt.Before(before)) {
			rec.Status = model.RecipientFailed
			rec.ErrorMessage = reason
			rec.FailedAt = &now
			rec.UpdatedAt = now
			n++
		}
	}
	if c, ok := s.campaigns[campaignID]; ok && n > 0 {
		c.FailedCount += n
		c.LastProgressAt = &now
	}
	return n, nil
}

func (r *MemoryRecipientRepository) GetByID(_ context.Context, id int) (*model.Recipient, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientIDNotFound(id)
	}
	return cloneRecipient(rec), nil
}

func (r *MemoryRecipientRepository) GetByProviderMessageID(_ context.Context, providerMessageID string) (*model.Recipient, error) {
	found := (*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return providerMessageID != "" && rec.ProviderMessageID == providerMessageID
	})
	if len(found) == 0 {
		return nil, appErrors.NewRecipientNotFound(providerMessageID)
	}
	return found[0], nil
}

func (r *MemoryRecipientRepository) DeliveryStats(_ context.Context, tenantID string, tr model.TimeRange) ([]model.DeliveryStats, error) {
	inRange := (*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return rec.TenantID == tenantID && !rec.CreatedAt.Before(tr.From) && rec.CreatedAt.Before(tr.To)
	})
	byBucket := map[time.Time]*model.DeliveryStats{}
	for _, rec := range inRange {
		start := tr.Bucket.Truncate(rec.CreatedAt)
		b, ok := byBucket[start]
		if !ok {
			b = &model.DeliveryStats{BucketStart: start}
			byBucket[start] = b
		}
		b.Add(rec.Status, 1)
	}
	stats := make([]model.DeliveryStats, 0, len(byBucket))
	for _, b := range byBucket {
		stats = append(stats, *b)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].BucketStart.Before(stats[j].BucketStart) })
	return stats, nil
}

func (r *MemoryRecipientRepository) ListFailed(_ context.Context, tenantID string, limit int) ([]*model.Recipient, error) {
	failed := (*MemoryStore)(r).selectRecipients(func(rec *model.Recipient) bool {
		return rec.TenantID == tenantID && rec.Status == model.RecipientFailed
	})
	sort.Slice(failed, func(i, j int) bool {
		fi, fj := failed[i].FailedAt, failed[j].FailedAt
		if fi != nil && fj != nil && !fi.Equal(*fj) {
			return fi.After(*fj)
		}
		return failed[i].ID > failed[j].ID
	})
	return truncate(failed, limit), nil
}

func (s *MemoryStore) selectRecipients(keep func(*model.Recipient) bool) []*model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Recipient{}
	for _, rec := range s.recipients {
		if keep(rec) {
			out = append(out, cloneRecipient(rec))
		}
	}
	return out
}

func cloneRecipient(rec *model.Recipient) *model.Recipient {
	cp := *rec
	if rec.Fields != nil {
		cp.Fields = make(map[string]string, len(rec.Fields))
		for k, v := range rec.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// ====================== Customers ======================

func (r *MemoryCustomerRepository) GetByID(_ context.Context, id int) (*model.Customer, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCustomerRepository) ListByIDs(_ context.Context, tenantID string, ids []int) ([]*model.Customer, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Customer{}
	seen := map[int]bool{}
	for _, id := range ids {
		c, ok := s.customers[id]
		if !ok || c.TenantID != tenantID || seen[id] {
			continue
		}
		seen[id] = true
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryCustomerRepository) ListBySegment(_ context.Context, tenantID string, filter model.SegmentFilter) ([]*model.Customer, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Customer{}
	for _, c := range s.customers {
		if c.TenantID == tenantID && filter.Matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ====================== Webhooks ======================

func (r *MemoryWebhookRepository) Create(_ context.Context, w *model.WebhookRegistration) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWebhook++
	w.ID = s.nextWebhook
	w.CreatedAt = s.Now()
	cp := *w
	cp.Events = append([]model.EventType(nil), w.Events...)
	s.webhooks[w.ID] = &cp
	return nil
}

func (r *MemoryWebhookRepository) GetByID(_ context.Context, id int) (*model.WebhookRegistration, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, appErrors.NewWebhookNotFound(id)
	}
	cp := *w
	return &cp, nil
}

func (r *MemoryWebhookRepository) ListActiveByTenant(_ context.Context, tenantID string) ([]*model.WebhookRegistration, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.WebhookRegistration{}
	for _, w := range s.webhooks {
		if w.Active && w.TenantID == tenantID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryWebhookRepository) AppendLog(_ context.Context, l *model.WebhookDeliveryLog) error {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLog++
	l.ID = s.nextLog
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.Now()
	}
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (r *MemoryWebhookRepository) Stats(_ context.Context, webhookID, recent int) (*model.WebhookStats, error) {
	s := (*MemoryStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &model.WebhookStats{WebhookID: webhookID, Recent: []*model.WebhookDeliveryLog{}}
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if l.WebhookID != webhookID {
			continue
		}
		if l.Success {
			stats.Success++
		} else {
			stats.Failure++
		}
		if len(stats.Recent) < recent {
			cp := *l
			stats.Recent = append(stats.Recent, &cp)
		}
	}
	return stats, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var (
	_ CampaignRepositoryInterface  = (*MemoryCampaignRepository)(nil)
	_ RecipientRepositoryInterface = (*MemoryRecipientRepository)(nil)
	_ CustomerRepositoryInterface  = (*MemoryCustomerRepository)(nil)
	_ WebhookRepositoryInterface   = (*MemoryWebhookRepository)(nil)
)
