package store

import (
	"time"

	"glowdesk/api/internal/docstore"
	"glowdesk/api/internal/tstamp"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusPending  = "pending"
)

const (
	ContactPhone    = "phone"
	ContactEmail    = "email"
	ContactWhatsApp = "whatsapp"
)

type EmergencyContact struct {
	Name         string
	Phone        string
	Relationship string
}

// Client is a salon client record. Shared is derived from the partition
// the record was read from; it is never written to the store.
type Client struct {
	ID               string
	Name             string
	Email            string
	Phone            string
	Apartment        string
	FlatNumber       string
	TrustScore       int
	Notes            string
	Tags             []string
	Status           string
	PreferredContact string
	BirthDate        *time.Time
	Anniversary      *time.Time
	Emergency        *EmergencyContact
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Shared           bool
}

// Transaction is a service/payment record. A shared mirror carries
// OriginalID pointing at its personal-partition counterpart.
type Transaction struct {
	ID               string
	ClientID         string
	Service          string
	Amount           float64
	Paid             bool
	PaymentDate      *time.Time
	DueDate          *time.Time
	PaymentReference string
	OriginalID       string
	CreatedBy        string
	CreatedAt        time.Time
	Shared           bool
}

func clientFields(c Client) map[string]any {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	fields := map[string]any{
		"name":             c.Name,
		"email":            c.Email,
		"phone":            c.Phone,
		"apartment":        c.Apartment,
		"flatNumber":       c.FlatNumber,
		"trustScore":       c.TrustScore,
		"notes":            c.Notes,
		"tags":             tags,
		"status":           c.Status,
		"preferredContact": c.PreferredContact,
		"createdAt":        tstamp.FromTime(c.CreatedAt).Fields(),
		"updatedAt":        tstamp.FromTime(c.UpdatedAt).Fields(),
	}
	if c.BirthDate != nil {
		fields["birthDate"] = tstamp.FromTime(*c.BirthDate).Fields()
	}
	if c.Anniversary != nil {
		fields["anniversary"] = tstamp.FromTime(*c.Anniversary).Fields()
	}
	if c.Emergency != nil {
		fields["emergencyContact"] = map[string]any{
			"name":         c.Emergency.Name,
			"phone":        c.Emergency.Phone,
			"relationship": c.Emergency.Relationship,
		}
	}
	if c.CreatedBy != "" {
		fields["createdBy"] = c.CreatedBy
	}
	return fields
}

func clientFromDoc(doc docstore.Document, shared bool) Client {
	fields := doc.Fields
	c := Client{
		ID:               doc.ID,
		Name:             str(fields["name"]),
		Email:            str(fields["email"]),
		Phone:            str(fields["phone"]),
		Apartment:        str(fields["apartment"]),
		FlatNumber:       str(fields["flatNumber"]),
		TrustScore:       100,
		Notes:            str(fields["notes"]),
		Tags:             stringSlice(fields["tags"]),
		Status:           str(fields["status"]),
		PreferredContact: str(fields["preferredContact"]),
		BirthDate:        tstamp.ToTimeOpt(fields["birthDate"]),
		Anniversary:      tstamp.ToTimeOpt(fields["anniversary"]),
		CreatedBy:        str(fields["createdBy"]),
		CreatedAt:        tstamp.ToTime(fields["createdAt"]),
		UpdatedAt:        tstamp.ToTime(fields["updatedAt"]),
		Shared:           shared,
	}
	if n, ok := num(fields["trustScore"]); ok {
		c.TrustScore = int(n)
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if contact, ok := fields["emergencyContact"].(map[string]any); ok {
		c.Emergency = &EmergencyContact{
			Name:         str(contact["name"]),
			Phone:        str(contact["phone"]),
			Relationship: str(contact["relationship"]),
		}
	}
	return c
}

func transactionFields(t Transaction) map[string]any {
	fields := map[string]any{
		"clientId":         t.ClientID,
		"service":          t.Service,
		"amount":           t.Amount,
		"paid":             t.Paid,
		"paymentReference": t.PaymentReference,
		"createdAt":        tstamp.FromTime(t.CreatedAt).Fields(),
	}
	if t.PaymentDate != nil {
		fields["paymentDate"] = tstamp.FromTime(*t.PaymentDate).Fields()
	}
	if t.DueDate != nil {
		fields["dueDate"] = tstamp.FromTime(*t.DueDate).Fields()
	}
	if t.OriginalID != "" {
		fields["originalId"] = t.OriginalID
	}
	if t.CreatedBy != "" {
		fields["createdBy"] = t.CreatedBy
	}
	return fields
}

func transactionFromDoc(doc docstore.Document, shared bool) Transaction {
	fields := doc.Fields
	t := Transaction{
		ID:               doc.ID,
		ClientID:         str(fields["clientId"]),
		Service:          str(fields["service"]),
		Paid:             boolean(fields["paid"]),
		PaymentDate:      tstamp.ToTimeOpt(fields["paymentDate"]),
		DueDate:          tstamp.ToTimeOpt(fields["dueDate"]),
		PaymentReference: str(fields["paymentReference"]),
		OriginalID:       str(fields["originalId"]),
		CreatedBy:        str(fields["createdBy"]),
		CreatedAt:        tstamp.ToTime(fields["createdAt"]),
		Shared:           shared,
	}
	if n, ok := num(fields["amount"]); ok {
		t.Amount = n
	}
	return t
}

func str(value any) string {
	s, _ := value.(string)
	return s
}

func boolean(value any) bool {
	b, _ := value.(bool)
	return b
}

func num(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
