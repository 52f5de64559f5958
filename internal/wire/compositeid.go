package wire

import "strings"

// IDSeparator joins the unit identifier and the optional name of a composite id.
const IDSeparator = "#"

// UnitRef is a decoded composite request identifier.
type UnitRef struct {
	UnitID string
	Name   string
}

// HasName reports whether the identifier carried a name, which marks
// cross-unit import requests.
func (u UnitRef) HasName() bool { return u.Name != "" }

// ComposeID encodes unitID and an optional name as "<unitID>#<name>".
func ComposeID(unitID, name string) string {
	if name == "" {
		return unitID
	}
	return unitID + IDSeparator + name
}

// ParseID splits a composite identifier on its first separator.
// An empty name after the separator is treated as absent.
func ParseID(id string) UnitRef {
	unit, name, _ := strings.Cut(id, IDSeparator)
	return UnitRef{UnitID: unit, Name: name}
}
