package camera

import (
	"fmt"
	"strings"
)

// Orientation of a tripwire line on the image plane.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

// DirectionPolicy selects which crossings a tripwire emits.
type DirectionPolicy string

const (
	PolicyEnter DirectionPolicy = "enter"
	PolicyExit  DirectionPolicy = "exit"
	PolicyBoth  DirectionPolicy = "both"
)

// ParseDirectionPolicy accepts the legacy "monitoring" spelling as an alias
// for "both".
func ParseDirectionPolicy(s string) (DirectionPolicy, error) {
	switch strings.ToLower(s) {
	case "enter":
		return PolicyEnter, nil
	case "exit":
		return PolicyExit, nil
	case "both", "monitoring":
		return PolicyBoth, nil
	}
	return "", fmt.Errorf("unknown tripwire direction policy %q", s)
}

// Tripwire is a virtual line whose crossing by a track emits an attendance
// event. Position and Spacing are normalized to [0,1]; Spacing is the
// hysteresis band width around Position.
type Tripwire struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Orientation Orientation     `yaml:"orientation" json:"orientation"`
	Position    float64         `yaml:"position" json:"position"`
	Spacing     float64         `yaml:"spacing" json:"spacing"`
	Policy      DirectionPolicy `yaml:"policy" json:"policy"`
}

func (t Tripwire) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: tripwire id is required", ErrBadTripwire)
	}
	if t.Orientation != Horizontal && t.Orientation != Vertical {
		return fmt.Errorf("%w: tripwire %s: orientation %q", ErrBadTripwire, t.ID, t.Orientation)
	}
	if t.Position < 0 || t.Position > 1 {
		return fmt.Errorf("%w: tripwire %s: position %v outside [0,1]", ErrBadTripwire, t.ID, t.Position)
	}
	if t.Spacing < 0 || t.Spacing > 1 {
		return fmt.Errorf("%w: tripwire %s: spacing %v outside [0,1]", ErrBadTripwire, t.ID, t.Spacing)
	}
	if _, err := ParseDirectionPolicy(string(t.Policy)); err != nil {
		return fmt.Errorf("%w: tripwire %s: %v", ErrBadTripwire, t.ID, err)
	}
	return nil
}

// Direction of an observed crossing.
type Direction string

const (
	DirectionEnter Direction = "enter"
	DirectionExit  Direction = "exit"
)

// Emits reports whether the policy publishes a crossing in dir.
func (t Tripwire) Emits(dir Direction) bool {
	switch t.Policy {
	case PolicyEnter:
		return dir == DirectionEnter
	case PolicyExit:
		return dir == DirectionExit
	default:
		return true
	}
}
