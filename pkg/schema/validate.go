package schema

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = validator.New()

	dialStringPattern = regexp.MustCompile(`^[0-9*#+]+$`)
)

func init() {
	err := validate.RegisterValidation("dialstring", func(fl validator.FieldLevel) bool {
		return dialStringPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		panic("schema: register dialstring validation: " + err.Error())
	}
}

// NewRecord is the creation input of a UssdRecord.
type NewRecord struct {
	// ID is normally assigned by the store; migrations set it to keep identities.
	ID          string  `json:"id,omitempty" yaml:"id,omitempty" validate:"omitempty,uuid"`
	Name        string  `json:"name" yaml:"name" validate:"required"`
	Code        string  `json:"code" yaml:"code" validate:"required,dialstring"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string  `json:"category,omitempty" yaml:"category,omitempty"`
	Operator    string  `json:"operator,omitempty" yaml:"operator,omitempty" validate:"omitempty,oneof=inwi iam orange"`
	SimID       string  `json:"sim_id,omitempty" yaml:"sim_id,omitempty" validate:"omitempty,uuid"`
	Levels      []Level `json:"levels,omitempty" yaml:"levels,omitempty" validate:"omitempty,unique=Step,dive"`
}

// Normalize trims the user-supplied strings. The caller's Levels are not modified.
func (n NewRecord) Normalize() NewRecord {
	n.Name = strings.TrimSpace(n.Name)
	n.Code = strings.TrimSpace(n.Code)
	n.Description = strings.TrimSpace(n.Description)
	n.Category = strings.TrimSpace(n.Category)
	n.Operator = strings.ToLower(strings.TrimSpace(n.Operator))
	if n.Levels != nil {
		n.Levels = append([]Level(nil), n.Levels...)
	}
	for i := range n.Levels {
		n.Levels[i].Code = strings.TrimSpace(n.Levels[i].Code)
		n.Levels[i].Prompt = strings.TrimSpace(n.Levels[i].Prompt)
	}
	return n
}

// Validate checks the creation input. The returned error is a
// validator.ValidationErrors when a field is rejected.
func (n NewRecord) Validate() error {
	return validate.Struct(n)
}

// FromRecord builds the creation input that reproduces r, id included.
func FromRecord(r UssdRecord) NewRecord {
	levels := make([]Level, len(r.Levels))
	copy(levels, r.Levels)
	if len(levels) == 0 {
		levels = nil
	}
	return NewRecord{
		ID:          r.ID,
		Name:        r.Name,
		Code:        r.Code,
		Description: r.Description,
		Category:    r.Category,
		Operator:    r.Operator,
		SimID:       r.SimID,
		Levels:      levels,
	}
}
