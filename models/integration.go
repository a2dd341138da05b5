package models

import "fmt"

// IntegrationType identifies a category of external account data being
// synchronized. The set is closed; adding a new integration means adding a
// constant here plus default frequencies in config.
type IntegrationType string

const (
	IntegrationContacts IntegrationType = "contacts"
	IntegrationCalendar IntegrationType = "calendar"
)

// AllIntegrationTypes lists every supported integration type.
var AllIntegrationTypes = []IntegrationType{
	IntegrationContacts,
	IntegrationCalendar,
}

// ParseIntegrationType validates a raw string against the closed set.
func ParseIntegrationType(s string) (IntegrationType, error) {
	switch IntegrationType(s) {
	case IntegrationContacts:
		return IntegrationContacts, nil
	case IntegrationCalendar:
		return IntegrationCalendar, nil
	default:
		return "", fmt.Errorf("unknown integration type: %q", s)
	}
}

// PairKey uniquely identifies the (user, integration) pair that every
// reliability record is keyed by.
type PairKey struct {
	UserID          string          `json:"user_id"`
	IntegrationType IntegrationType `json:"integration_type"`
}

func (k PairKey) String() string {
	return k.UserID + "/" + string(k.IntegrationType)
}

func (k PairKey) Validate() error {
	if k.UserID == "" {
		return fmt.Errorf("missing user id")
	}

	if _, err := ParseIntegrationType(string(k.IntegrationType)); err != nil {
		return err
	}

	return nil
}
