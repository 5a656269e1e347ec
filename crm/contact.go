package crm

import (
	"errors"
	"fmt"
	"time"
)

// Cursor is the opaque continuation token of a paginated listing. The empty
// cursor requests the first page, and a page without a next cursor is the
// last one.
type Cursor string

const NoCursor Cursor = ""

func (c Cursor) IsZero() bool {
	return c == NoCursor
}

type Contact struct {
	ID string `json:"id"`
	// Properties is passed through untouched.
	Properties   map[string]any       `json:"properties,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	Archived     bool                 `json:"archived"`
	Associations *ContactAssociations `json:"associations,omitempty"`
}

type ContactAssociations struct {
	Companies *AssociationList `json:"companies,omitempty"`
}

type AssociationList struct {
	Results []AssociatedObject `json:"results"`
}

type AssociatedObject struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Companies returns the embedded company associations. A contact without
// them has no known company links.
func (c Contact) Companies() []AssociatedObject {
	if c.Associations == nil || c.Associations.Companies == nil {
		return nil
	}
	return c.Associations.Companies.Results
}

// Validate checks that the contact and each of its company associations carry
// an id.
func (c Contact) Validate() error {
	if c.ID == "" {
		return errors.New("contact has no id")
	}
	for i, company := range c.Companies() {
		if company.ID == "" {
			return fmt.Errorf("company association %d of contact %s has no id", i, c.ID)
		}
	}
	return nil
}

type ContactPage struct {
	Contacts   []Contact
	NextCursor Cursor
}

func (p *ContactPage) ContactIDs() []string {
	ids := make([]string, 0, len(p.Contacts))
	for _, c := range p.Contacts {
		ids = append(ids, c.ID)
	}
	return ids
}
