package model

import (
	"io"
	"time"
)

// Scenario describes one validation case: the session to start, the
// workload to run and the expected counts.
type Scenario struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Workload    string                 `json:"workload"`
	Timeout     string                 `json:"timeout,omitempty"`
	Params      map[string]int         `json:"params,omitempty"`
	Session     SessionSpec            `json:"session"`
	Expect      map[string]Expectation `json:"expect"`
	Categories  []Category             `json:"categories,omitempty"`
	Checks      []CheckSpec            `json:"checks,omitempty"`
}

type SessionSpec struct {
	Buffer    int            `json:"buffer"`
	Format    string         `json:"format"`
	Providers []ProviderSpec `json:"providers"`
}

type ProviderSpec struct {
	Name     string `json:"name"`
	Keywords string `json:"keywords,omitempty"` // Go integer literal, empty means all
	Level    string `json:"level"`
}

// Expectation is either a count with a tolerance or presence only.
type Expectation struct {
	Count     int64   `json:"count,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`
	Present   bool    `json:"present,omitempty"`
}

// Category counts the records of a provider, optionally of one event.
type Category struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Event    string `json:"event,omitempty"`
}

// CheckSpec is a boolean expression over the category counts.
type CheckSpec struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// LoadScenario validates YAML from r against the #Scenario schema.
func LoadScenario(name string, r io.Reader) (Scenario, error) {
	var out Scenario
	if err := load(name, r, scenario, &out); err != nil {
		return Scenario{}, err
	}
	return out, nil
}

// TimeoutDuration returns the scenario timeout or dflt.
func (s Scenario) TimeoutDuration(dflt time.Duration) time.Duration {
	return mustDuration(s.Timeout, dflt)
}

// Param returns a workload parameter or dflt.
func (s Scenario) Param(name string, dflt int) int {
	if v, ok := s.Params[name]; ok {
		return v
	}
	return dflt
}
