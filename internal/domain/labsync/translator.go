package labsync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/platform/lims"
)

// Two-character operators come first so "<=" is not read as "<".
var modifiers = []string{"<=", ">=", "<", ">", "="}

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// ParsedValue is a raw LIMS value split into modifier and value.
type ParsedValue struct {
	Modifier  string
	Value     string
	Numeric   *float64
	ValueType string
}

// ParseValue splits an optional leading comparison operator from raw. ok is
// false when there is no value to store.
func ParseValue(raw string) (ParsedValue, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedValue{}, false
	}

	mod := "="
	for _, m := range modifiers {
		if strings.HasPrefix(s, m) {
			mod = m
			s = strings.TrimSpace(s[len(m):])
			break
		}
	}
	if s == "" {
		return ParsedValue{}, false
	}

	pv := ParsedValue{Modifier: mod, Value: s, ValueType: diagnostics.ValueTypeText}
	if numericPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			pv.Numeric = &f
			pv.ValueType = diagnostics.ValueTypeNumeric
		}
	}
	return pv, true
}

// TranslatedTest is the result set for one local test.
type TranslatedTest struct {
	Test      *diagnostics.LabTest
	Measures  []ResultMeasure
	Comment   string
	Date      *time.Time
	EnteredBy uuid.UUID
}

// Results converts the measures to rows for the order store.
func (t TranslatedTest) Results() []*diagnostics.TestResult {
	var comment *string
	if t.Comment != "" {
		c := t.Comment
		comment = &c
	}
	var enteredBy *uuid.UUID
	if t.EnteredBy != uuid.Nil {
		u := t.EnteredBy
		enteredBy = &u
	}
	out := make([]*diagnostics.TestResult, 0, len(t.Measures))
	for _, m := range t.Measures {
		out = append(out, &diagnostics.TestResult{
			TestID:       t.Test.ID,
			IndicatorID:  m.IndicatorID,
			Modifier:     m.Modifier,
			ValueText:    m.Value,
			ValueNumeric: m.Numeric,
			ValueType:    m.ValueType,
			Comment:      comment,
			ResultDate:   t.Date,
			EnteredBy:    enteredBy,
		})
	}
	return out
}

// Translator converts LIMS result sets into measures on local tests.
type Translator struct {
	orders   OrderStore
	concepts ConceptResolver
	logger   zerolog.Logger
}

func NewTranslator(orders OrderStore, concepts ConceptResolver, logger zerolog.Logger) *Translator {
	return &Translator{
		orders:   orders,
		concepts: concepts,
		logger:   logger.With().Str("component", "result-translator").Logger(),
	}
}

// TranslateResultSet resolves each remote test and indicator to local records.
// Unknown tests and indicators are logged and skipped; tests left with no
// measures are dropped. Rows are attributed to actor, with the LIMS submitter
// kept in the provenance comment.
func (t *Translator) TranslateResultSet(ctx context.Context, order *diagnostics.LabOrder, results []lims.RemoteTestResult, actor Actor) ([]TranslatedTest, error) {
	var out []TranslatedTest
	for _, rr := range results {
		log := t.logger.With().Str("order_id", order.ID.String()).Str("test", rr.TestName).Logger()

		name, err := t.concepts.CanonicalTestName(ctx, rr.TestName)
		if err != nil {
			return nil, fmt.Errorf("canonical name for %q: %w", rr.TestName, err)
		}
		test, err := t.orders.FindTest(ctx, order.ID, name)
		if errors.Is(err, diagnostics.ErrNotFound) {
			log.Warn().Str("local_name", name).Msg("no local test for LIMS result, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find test %q: %w", name, err)
		}

		tt := TranslatedTest{
			Test:      test,
			Comment:   provenance(rr.EnteredBy),
			Date:      rr.DateEntered,
			EnteredBy: actor.UserID,
		}
		for _, m := range rr.Measures {
			indicatorID, ok, err := t.concepts.ResolveConceptID(ctx, m.Indicator)
			if err != nil {
				return nil, fmt.Errorf("resolve indicator %q: %w", m.Indicator, err)
			}
			if !ok {
				log.Warn().Str("indicator", m.Indicator).Msg("unknown indicator, skipping measure")
				continue
			}
			pv, ok := ParseValue(m.Value)
			if !ok {
				continue
			}
			tt.Measures = append(tt.Measures, ResultMeasure{
				IndicatorID: indicatorID,
				Value:       pv.Value,
				Numeric:     pv.Numeric,
				Modifier:    pv.Modifier,
				ValueType:   pv.ValueType,
			})
		}
		if len(tt.Measures) == 0 {
			log.Debug().Msg("no usable measures, skipping test")
			continue
		}
		out = append(out, tt)
	}
	return out, nil
}

func provenance(s lims.Submitter) string {
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	return fmt.Sprintf("Entered in LIMS by %s (id: %s, phone: %s)", name, s.ID, s.Phone)
}
