package crm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Contact is the reduced contact view used for identity hashing.
type Contact struct {
	ID    int64
	Phone string
	Email string
}

// EnsureContactForDeal finds or creates a contact and links it to the deal.
// Lookup order: existing CONTACT_ID on the deal, the configured contact
// client-id user field, phone/email duplicate search, then create.
func (c *Client) EnsureContactForDeal(ctx context.Context, deal Deal, clientID string) (int64, error) {
	if id := toInt64(deal["CONTACT_ID"]); id > 0 {
		return id, nil
	}

	dealID := deal.ID()
	phone := deal.FirstNonEmpty("PHONE", "UF_CRM_PHONE")
	email := deal.FirstNonEmpty("EMAIL", "UF_CRM_EMAIL")

	if c.cfg.ClientIDContactField != "" && clientID != "" {
		if id, err := c.findContactByClientID(ctx, clientID); err == nil && id > 0 {
			if err := c.linkContact(ctx, dealID, id); err != nil {
				return 0, err
			}
			c.log.Info("contact_linked_by_client_id", "deal_id", dealID, "contact_id", id)
			return id, nil
		}
	}

	var contactID int64
	if phone != "" {
		contactID, _ = c.findContactByComm(ctx, phone, "PHONE")
	}
	if contactID == 0 && email != "" {
		contactID, _ = c.findContactByComm(ctx, email, "EMAIL")
	}

	if contactID == 0 {
		title := deal.StringField("TITLE")
		if title == "" {
			title = "Client"
		}
		id, err := c.createContact(ctx, title, phone, email, clientID)
		if err != nil {
			return 0, err
		}
		contactID = id
	}

	if err := c.linkContact(ctx, dealID, contactID); err != nil {
		return 0, err
	}
	c.log.Info("contact_linked", "deal_id", dealID, "contact_id", contactID)
	return contactID, nil
}

// GetContact fetches the contact with its primary phone and email.
func (c *Client) GetContact(ctx context.Context, contactID int64) (Contact, error) {
	var raw map[string]any
	if err := c.call(ctx, "crm.contact.get", map[string]any{"id": contactID}, &raw); err != nil {
		return Contact{}, err
	}
	d := Deal(raw)
	return Contact{
		ID:    d.ID(),
		Phone: d.FirstComm("PHONE"),
		Email: d.FirstComm("EMAIL"),
	}, nil
}

func (c *Client) findContactByClientID(ctx context.Context, clientID string) (int64, error) {
	var rows []map[string]any
	err := c.call(ctx, "crm.contact.list", map[string]any{
		"filter": map[string]any{c.cfg.ClientIDContactField: clientID},
		"select": []string{"ID"},
	}, &rows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["ID"]), nil
}

func (c *Client) findContactByComm(ctx context.Context, value, commType string) (int64, error) {
	var res struct {
		Contact []json.Number `json:"CONTACT"`
	}
	err := c.call(ctx, "crm.duplicate.findbycomm", map[string]any{
		"type":   commType,
		"values": []string{value},
	}, &res)
	if err != nil {
		return 0, err
	}
	if len(res.Contact) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(res.Contact[0].String(), 10, 64)
	if err != nil {
		return 0, nil
	}
	return id, nil
}

func (c *Client) createContact(ctx context.Context, name, phone, email, clientID string) (int64, error) {
	fields := map[string]any{"NAME": strings.TrimSpace(name), "OPENED": "Y"}
	if phone != "" {
		fields["PHONE"] = []map[string]string{{"VALUE": phone, "VALUE_TYPE": "WORK"}}
	}
	if email != "" {
		fields["EMAIL"] = []map[string]string{{"VALUE": email, "VALUE_TYPE": "WORK"}}
	}
	if c.cfg.ClientIDContactField != "" && clientID != "" {
		fields[c.cfg.ClientIDContactField] = clientID
	}

	var id json.Number
	if err := c.call(ctx, "crm.contact.add", map[string]any{"fields": fields}, &id); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Client) linkContact(ctx context.Context, dealID, contactID int64) error {
	return c.call(ctx, "crm.deal.update", map[string]any{
		"id":     dealID,
		"fields": map[string]any{"CONTACT_ID": contactID},
	}, nil)
}
