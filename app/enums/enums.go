// Package enums provides type-safe enumeration types shared across the
// coordinator: run, group and step statuses. Each type stores as a plain
// string in JSON reports and the history database.
package enums

import (
	"database/sql/driver"
	"fmt"
)

// RunStatus represents the overall outcome of a coordinator run.
type RunStatus int

// run statuses
const (
	RunPassed RunStatus = iota
	RunFailed
	RunAborted
)

var runStatusNames = map[RunStatus]string{
	RunPassed:  "passed",
	RunFailed:  "failed",
	RunAborted: "aborted",
}

// String returns the string representation of the run status
func (s RunStatus) String() string {
	if name, ok := runStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

// ParseRunStatus converts a string to RunStatus
func ParseRunStatus(v string) (RunStatus, error) {
	for status, name := range runStatusNames {
		if name == v {
			return status, nil
		}
	}
	return RunAborted, fmt.Errorf("invalid run status %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (s RunStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *RunStatus) UnmarshalText(data []byte) error {
	v, err := ParseRunStatus(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer for database storage
func (s RunStatus) Value() (driver.Value, error) { return s.String(), nil }

// Scan implements sql.Scanner for database retrieval. Unknown values map to
// the parse fallback so a bad row doesn't break listing.
func (s *RunStatus) Scan(value any) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into RunStatus", value)
	}
	v, _ := ParseRunStatus(str)
	*s = v
	return nil
}

// GroupStatus represents the outcome of a single suite group.
type GroupStatus int

// group statuses
const (
	GroupPassed GroupStatus = iota
	GroupFailed
	GroupSkipped
)

var groupStatusNames = map[GroupStatus]string{
	GroupPassed:  "passed",
	GroupFailed:  "failed",
	GroupSkipped: "skipped",
}

// String returns the string representation of the group status
func (s GroupStatus) String() string {
	if name, ok := groupStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GroupStatus(%d)", int(s))
}

// ParseGroupStatus converts a string to GroupStatus
func ParseGroupStatus(v string) (GroupStatus, error) {
	for status, name := range groupStatusNames {
		if name == v {
			return status, nil
		}
	}
	return GroupSkipped, fmt.Errorf("invalid group status %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (s GroupStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *GroupStatus) UnmarshalText(data []byte) error {
	v, err := ParseGroupStatus(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Value implements driver.Valuer for database storage
func (s GroupStatus) Value() (driver.Value, error) { return s.String(), nil }

// Scan implements sql.Scanner for database retrieval. Unknown values map to
// the parse fallback so a bad row doesn't break listing.
func (s *GroupStatus) Scan(value any) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("cannot scan %T into GroupStatus", value)
	}
	v, _ := ParseGroupStatus(str)
	*s = v
	return nil
}

// StepStatus represents the outcome of an optional (best-effort) setup or
// teardown step. Failed steps never abort the run, they are only recorded.
type StepStatus int

// step statuses
const (
	StepOK StepStatus = iota
	StepSkipped
	StepFailed
)

var stepStatusNames = map[StepStatus]string{
	StepOK:      "ok",
	StepSkipped: "skipped",
	StepFailed:  "failed",
}

// String returns the string representation of the step status
func (s StepStatus) String() string {
	if name, ok := stepStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StepStatus(%d)", int(s))
}

// ParseStepStatus converts a string to StepStatus
func ParseStepStatus(v string) (StepStatus, error) {
	for status, name := range stepStatusNames {
		if name == v {
			return status, nil
		}
	}
	return StepSkipped, fmt.Errorf("invalid step status %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (s StepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *StepStatus) UnmarshalText(data []byte) error {
	v, err := ParseStepStatus(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
