package schema

import "time"

// DailyActivationLimit is the number of executions a SIM card may be charged per day.
const DailyActivationLimit = 20

// Operators supported by the SIM registry.
const (
	OperatorInwi   = "inwi"
	OperatorIAM    = "iam"
	OperatorOrange = "orange"
)

// SimCard is a SIM available to the dialer, with its daily activation counter.
type SimCard struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Operator             string    `json:"operator"`
	Enabled              bool      `json:"enabled"`
	DailyActivationCount int       `json:"daily_activation_count"`
	ActivationDay        string    `json:"activation_day,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// NewSim is the creation input of a SimCard.
type NewSim struct {
	ID       string `json:"id,omitempty" validate:"omitempty,uuid"`
	Name     string `json:"name" validate:"required"`
	Operator string `json:"operator" validate:"required,oneof=inwi iam orange"`
}

// Validate checks the creation input.
func (n NewSim) Validate() error {
	return validate.Struct(n)
}

// ActivationsToday returns the counter as seen on day (YYYY-MM-DD).
func (s SimCard) ActivationsToday(day string) int {
	if s.ActivationDay != day {
		return 0
	}
	return s.DailyActivationCount
}
