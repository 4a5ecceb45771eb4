package index

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// DatabaseConstraint is one condition of a lookup
type DatabaseConstraint struct {
	Level         models.ResourceType   `json:"level"`
	Tag           models.DicomTag       `json:"tag"`
	Type          models.ConstraintType `json:"type"`
	Values        []string              `json:"values"`
	CaseSensitive bool                  `json:"case_sensitive"`
	Mandatory     bool                  `json:"mandatory"`

	regexps []*regexp.Regexp
}

// NewConstraint parses a DICOM query value: "a\b" is a list, "a-b" a range,
// "*" and "?" make a wildcard
func NewConstraint(level models.ResourceType, tag models.DicomTag, value string, caseSensitive, mandatory bool) (DatabaseConstraint, error) {
	c := DatabaseConstraint{
		Level:         level,
		Tag:           tag,
		CaseSensitive: caseSensitive,
		Mandatory:     mandatory,
	}

	switch {
	case strings.Contains(value, `\`):
		c.Type = models.ConstraintList
		c.Values = strings.Split(value, `\`)
	case IsWildcard(value):
		c.Type = models.ConstraintWildcard
		c.Values = []string{value}
	case isRangeTag(tag) && strings.Contains(value, "-"):
		lower, upper, _ := strings.Cut(value, "-")
		switch {
		case lower == "" && upper == "":
			return c, errcode.Newf(errcode.BadRequest, "empty range for tag %s", tag)
		case lower == "":
			c.Type = models.ConstraintSmallerOrEqual
			c.Values = []string{upper}
		case upper == "":
			c.Type = models.ConstraintGreaterOrEqual
			c.Values = []string{lower}
		default:
			// A closed range is two constraints; the caller splits it with SplitRange
			c.Type = models.ConstraintGreaterOrEqual
			c.Values = []string{lower, upper}
		}
	default:
		c.Type = models.ConstraintEqual
		c.Values = []string{value}
	}
	return c, nil
}

// SplitRange turns a closed range into a pair of open-ended constraints
func (c DatabaseConstraint) SplitRange() []DatabaseConstraint {
	if c.Type != models.ConstraintGreaterOrEqual || len(c.Values) != 2 {
		return []DatabaseConstraint{c}
	}
	lower, upper := c, c
	lower.Values = []string{c.Values[0]}
	upper.Type = models.ConstraintSmallerOrEqual
	upper.Values = []string{c.Values[1]}
	return []DatabaseConstraint{lower, upper}
}

func isRangeTag(tag models.DicomTag) bool {
	switch tag {
	case models.TagStudyDate, models.TagStudyTime, models.TagSeriesDate, models.TagSeriesTime,
		models.TagPatientBirthDate, models.TagInstanceCreationDate, models.TagInstanceCreationTime:
		return true
	}
	return false
}

// Validate checks the shape of the constraint
func (c *DatabaseConstraint) Validate() error {
	if !c.Level.Valid() {
		return errcode.Newf(errcode.ParameterOutOfRange, "bad level %d", int(c.Level))
	}
	if len(c.Values) == 0 {
		return errcode.Newf(errcode.BadRequest, "constraint on %s has no value", c.Tag)
	}
	if c.Type != models.ConstraintList && len(c.Values) != 1 {
		return errcode.Newf(errcode.BadRequest, "constraint on %s expects one value", c.Tag)
	}
	return nil
}

// IsIdentifier reports whether the backend can answer the constraint from the identifier tags
func (c *DatabaseConstraint) IsIdentifier() bool {
	return !c.CaseSensitive && models.IsIdentifierTag(c.Tag, c.Level)
}

// ToIdentifier normalizes the values for the backend
func (c *DatabaseConstraint) ToIdentifier(n Normalizer) IdentifierConstraint {
	values := make([]string, len(c.Values))
	for i, v := range c.Values {
		values[i] = n.Normalize(v)
	}
	return IdentifierConstraint{Level: c.Level, Tag: c.Tag, Type: c.Type, Values: values}
}

func (c *DatabaseConstraint) compile(n Normalizer) error {
	if c.Type != models.ConstraintWildcard || c.regexps != nil {
		return nil
	}
	pattern := c.Values[0]
	if !c.CaseSensitive {
		pattern = n.Normalize(pattern)
	}
	re, err := regexp.Compile(WildcardToRegexp(pattern))
	if err != nil {
		return errcode.Wrap(errcode.BadRequest, err, fmt.Sprintf("bad wildcard %q", c.Values[0]))
	}
	c.regexps = []*regexp.Regexp{re}
	return nil
}

// IsMatch tests a tag value against the constraint
func (c *DatabaseConstraint) IsMatch(n Normalizer, value string) bool {
	norm := func(s string) string {
		if c.CaseSensitive {
			return s
		}
		return n.Normalize(s)
	}
	v := norm(value)

	switch c.Type {
	case models.ConstraintEqual:
		return v == norm(c.Values[0])
	case models.ConstraintSmallerOrEqual:
		return v <= norm(c.Values[0])
	case models.ConstraintGreaterOrEqual:
		return v >= norm(c.Values[0])
	case models.ConstraintList:
		for _, candidate := range c.Values {
			if v == norm(candidate) {
				return true
			}
		}
		return false
	case models.ConstraintWildcard:
		if err := c.compile(n); err != nil {
			return false
		}
		return c.regexps[0].MatchString(v)
	}
	return false
}

// IsMatchMap tests the constraint against a set of tags; multi-valued
// attributes such as ModalitiesInStudy match if any of their values does
func (c *DatabaseConstraint) IsMatchMap(n Normalizer, tags models.DicomMap) bool {
	value, ok := tags.Get(c.Tag)
	if !ok {
		return !c.Mandatory
	}
	if c.Tag == models.TagModalitiesInStudy {
		for _, v := range strings.Split(value, `\`) {
			if c.IsMatch(n, v) {
				return true
			}
		}
		return false
	}
	return c.IsMatch(n, value)
}
