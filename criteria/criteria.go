package criteria

import (
	"errors"
	"fmt"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
)

// ErrValidation is returned for criteria that cannot be rendered into a
// legal search expression.
var ErrValidation = errors.New("invalid search criteria")

const isoDateLayout = "2006-01-02"

// imapDateLayout is the day-month-year literal form the IMAP SEARCH command
// requires. ISO 8601 input is never sent to the server directly.
const imapDateLayout = "02-Jan-2006"

// Criteria is the set of user filters translated into one server-side
// search expression. All fields are optional; an empty Criteria matches
// everything.
type Criteria struct {
	Since      string // ISO date, inclusive lower bound
	Before     string // ISO date, inclusive upper bound
	Sender     string // substring match against From
	Subject    string // substring match against Subject
	UnseenOnly bool
}

// IsEmpty reports whether no filter is populated.
func (c Criteria) IsEmpty() bool {
	return c.Since == "" && c.Before == "" && c.Sender == "" && c.Subject == "" && !c.UnseenOnly
}

// Build renders the wire-form search expression: space-joined atoms in the
// fixed order SINCE, BEFORE, UNSEEN, FROM, SUBJECT. An empty Criteria
// renders the bare ALL marker, which never co-occurs with other atoms.
func (c Criteria) Build() (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}

	if c.IsEmpty() {
		return "ALL", nil
	}

	var atoms []string
	if c.Since != "" {
		d, _ := time.Parse(isoDateLayout, c.Since)
		atoms = append(atoms, fmt.Sprintf("SINCE %q", d.Format(imapDateLayout)))
	}
	if c.Before != "" {
		d, _ := time.Parse(isoDateLayout, c.Before)
		atoms = append(atoms, fmt.Sprintf("BEFORE %q", d.Format(imapDateLayout)))
	}
	if c.UnseenOnly {
		atoms = append(atoms, "UNSEEN")
	}
	if c.Sender != "" {
		atoms = append(atoms, fmt.Sprintf("FROM %q", c.Sender))
	}
	if c.Subject != "" {
		atoms = append(atoms, fmt.Sprintf("SUBJECT %q", c.Subject))
	}

	return strings.Join(atoms, " "), nil
}

// SearchCriteria maps the same filters onto the go-imap structure the
// client sends. Build and SearchCriteria share one validation pass so an
// expression that would be malformed is rejected before any network
// activity.
func (c Criteria) SearchCriteria() (*imapv2.SearchCriteria, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	sc := &imapv2.SearchCriteria{}
	if c.Since != "" {
		d, _ := time.Parse(isoDateLayout, c.Since)
		sc.Since = d
	}
	if c.Before != "" {
		d, _ := time.Parse(isoDateLayout, c.Before)
		// BEFORE is exclusive on the wire; the user-facing bound is an
		// inclusive calendar day.
		sc.Before = d.AddDate(0, 0, 1)
	}
	if c.UnseenOnly {
		sc.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}
	if c.Sender != "" {
		sc.Header = append(sc.Header, imapv2.SearchCriteriaHeaderField{Key: "From", Value: c.Sender})
	}
	if c.Subject != "" {
		sc.Header = append(sc.Header, imapv2.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}

	return sc, nil
}

func (c Criteria) validate() error {
	var since, before time.Time

	if c.Since != "" {
		d, err := time.Parse(isoDateLayout, c.Since)
		if err != nil {
			return fmt.Errorf("%w: from date %q is not YYYY-MM-DD", ErrValidation, c.Since)
		}
		since = d
	}
	if c.Before != "" {
		d, err := time.Parse(isoDateLayout, c.Before)
		if err != nil {
			return fmt.Errorf("%w: to date %q is not YYYY-MM-DD", ErrValidation, c.Before)
		}
		before = d
	}
	if !since.IsZero() && !before.IsZero() && since.After(before) {
		return fmt.Errorf("%w: from date %s is after to date %s", ErrValidation, c.Since, c.Before)
	}

	return nil
}
