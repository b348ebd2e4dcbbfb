package lims

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "_id": "doc-42",
  "_rev": "4-d",
  "tracking_number": 70012,
  "order_id": "8c5d3f2e-0000-4000-8000-000000000001",
  "order_date": "2026-03-01T09:30:00Z",
  "target_lab": "Central Lab",
  "requesting_clinician": null,
  "specimen": {"concept_id": 301, "name": "Blood"},
  "reason_for_test": {"name": "Routine"},
  "patient": {"id": 1234567, "first_name": "Jane ", "last_name": "O'Brien", "gender": "F"},
  "tests": [{"name": "Viral Load"}, {"id": "t-2", "name": "CD4 Count"}],
  "test_results": {
    "Viral Load": {
      "results": {"HIV viral load": {"result_value": "<=40"}, "Comment": {"result_value": null}},
      "result_entered_by": {"id": 9, "first_name": "Ama", "last_name": "Mensah", "phone_number": "+233 20 000"},
      "date_result_entered": "2026-03-03"
    },
    "CD4 Count": {"results": {"CD4": {"result_value": 512}}}
  }
}`

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "doc-42", doc.ID)
	assert.Equal(t, "4-d", doc.Revision)
	assert.Equal(t, "70012", doc.Order.TrackingNumber)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), doc.Order.OrderDate)
	assert.Nil(t, doc.Order.RequestingClinician)
	assert.Equal(t, ConceptRef{ConceptID: "301", Name: "Blood"}, doc.Order.Specimen)
	assert.Equal(t, RemotePatient{ID: "1234567", FirstName: "Jane", LastName: "O'Brien", Gender: "F"}, doc.Patient)
	require.Len(t, doc.Order.Tests, 2)
	assert.Equal(t, "t-2", doc.Order.Tests[1].ID)

	require.Len(t, doc.TestResults, 2)
	vl := doc.TestResults[0]
	assert.Equal(t, "Viral Load", vl.TestName)
	assert.Equal(t, []RemoteMeasure{{Indicator: "HIV viral load", Value: "<=40"}, {Indicator: "Comment", Value: ""}}, vl.Measures)
	assert.Equal(t, Submitter{ID: "9", FirstName: "Ama", LastName: "Mensah", Phone: "+233 20 000"}, vl.EnteredBy)
	require.NotNil(t, vl.DateEntered)
	assert.Equal(t, 3, vl.DateEntered.Day())

	cd4 := doc.TestResults[1]
	assert.Equal(t, "512", cd4.Measures[0].Value)
	assert.Nil(t, cd4.DateEntered)
}

func TestParseDocument_MinimalDocument(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"_id":"doc-1"}`))
	require.NoError(t, err)
	assert.Empty(t, doc.Order.TrackingNumber)
	assert.Empty(t, doc.Patient.ID)
	assert.Empty(t, doc.TestResults)
}

func TestParseDocument_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing id":        `{"tracking_number":"XQ-1"}`,
		"patient string":    `{"_id":"doc-1","patient":"Jane"}`,
		"test without name": `{"_id":"doc-1","tests":[{"id":"t-1"}]}`,
		"blank test name":   `{"_id":"doc-1","tests":[{"name":"  "}]}`,
		"result as array":   `{"_id":"doc-1","test_results":{"VL":{"results":{"x":{"result_value":[1]}}}}}`,
		"malformed":         `{"_id":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument), "expected ErrInvalidDocument, got %v", err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotContains(t, verr.Reason, "\n")
		})
	}
}

func TestParseDocument_ValidationErrorCarriesID(t *testing.T) {
	_, err := ParseDocument([]byte(`{"_id":"doc-7","patient":5}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "doc-7", verr.DocumentID)
	assert.Contains(t, err.Error(), "doc-7")
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2026-03-01T09:30:00Z", "2026-03-01 09:30:00", "2026-03-01T09:30:00", "2026-03-01"} {
		assert.NotNil(t, parseTime(s), s)
	}
	assert.Nil(t, parseTime(""))
	assert.Nil(t, parseTime("yesterday"))
}

func TestHTTPError(t *testing.T) {
	notFound := &HTTPError{StatusCode: 404, Message: "missing"}
	assert.True(t, errors.Is(notFound, ErrNotFound))
	assert.False(t, notFound.Retryable())

	assert.False(t, errors.Is(&HTTPError{StatusCode: 500}, ErrNotFound))
	assert.True(t, (&HTTPError{StatusCode: 503}).Retryable())
	assert.True(t, (&HTTPError{StatusCode: 429}).Retryable())
	assert.Equal(t, "lims http 409 conflict: stale", (&HTTPError{StatusCode: 409, Code: "conflict", Message: "stale"}).Error())
}
