package lims

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
)

const documentSchemaURL = "https://labsync.local/schemas/order-document.json"

// documentSchema accepts the loosely typed values the LIMS emits: ids and
// result values may be numbers or strings, most sections may be absent.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["_id"],
  "properties": {
    "_id": {"type": "string", "minLength": 1},
    "_rev": {"type": "string"},
    "tracking_number": {"type": ["string", "number", "null"]},
    "order_date": {"type": ["string", "null"]},
    "patient": {
      "type": "object",
      "properties": {
        "id": {"type": ["string", "number", "null"]},
        "first_name": {"type": ["string", "null"]},
        "last_name": {"type": ["string", "null"]},
        "gender": {"type": ["string", "null"]}
      }
    },
    "specimen": {"$ref": "#/$defs/concept"},
    "reason_for_test": {"$ref": "#/$defs/concept"},
    "tests": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "id": {"type": ["string", "number", "null"]},
          "concept_id": {"type": ["string", "number", "null"]},
          "name": {"type": "string", "pattern": "\\S"}
        }
      }
    },
    "test_results": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "properties": {
          "results": {
            "type": ["object", "null"],
            "additionalProperties": {
              "type": "object",
              "properties": {
                "result_value": {"type": ["string", "number", "null"]}
              }
            }
          },
          "result_entered_by": {"type": ["object", "null"]},
          "date_result_entered": {"type": ["string", "null"]}
        }
      }
    }
  },
  "$defs": {
    "concept": {
      "type": ["object", "null"],
      "properties": {
        "concept_id": {"type": ["string", "number", "null"]},
        "name": {"type": ["string", "null"]}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse document schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(documentSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add document schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(documentSchemaURL)
	})
	return schema, schemaErr
}

// ParseDocument validates raw against the document schema and extracts the
// fields the worker uses. Schema violations are returned as *ValidationError.
func ParseDocument(raw []byte) (*Document, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, &ValidationError{Reason: "malformed JSON"}
	}
	id := gjson.GetBytes(raw, "_id").String()

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{DocumentID: id, Reason: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{DocumentID: id, Reason: flatten(verr.Error())}
		}
		return nil, &ValidationError{DocumentID: id, Reason: err.Error()}
	}

	doc := &Document{
		ID:       id,
		Revision: gjson.GetBytes(raw, "_rev").String(),
		Raw:      append([]byte(nil), raw...),
	}

	p := gjson.GetBytes(raw, "patient")
	doc.Patient = RemotePatient{
		ID:        text(p.Get("id")),
		FirstName: text(p.Get("first_name")),
		LastName:  text(p.Get("last_name")),
		Gender:    text(p.Get("gender")),
	}

	o := gjson.ParseBytes(raw)
	doc.Order = OrderDTO{
		OrderID:             text(o.Get("order_id")),
		PatientID:           text(o.Get("patient_id")),
		EncounterID:         optionalText(o.Get("encounter_id")),
		TrackingNumber:      text(o.Get("tracking_number")),
		Specimen:            conceptRef(o.Get("specimen")),
		RequestingClinician: optionalText(o.Get("requesting_clinician")),
		TargetLab:           text(o.Get("target_lab")),
		ReasonForTest:       conceptRef(o.Get("reason_for_test")),
	}
	if ts := parseTime(text(o.Get("order_date"))); ts != nil {
		doc.Order.OrderDate = *ts
	}
	o.Get("tests").ForEach(func(_, t gjson.Result) bool {
		doc.Order.Tests = append(doc.Order.Tests, TestDTO{
			ID:        text(t.Get("id")),
			ConceptID: text(t.Get("concept_id")),
			Name:      strings.TrimSpace(t.Get("name").String()),
		})
		return true
	})

	o.Get("test_results").ForEach(func(name, entry gjson.Result) bool {
		tr := RemoteTestResult{
			TestName: strings.TrimSpace(name.String()),
			EnteredBy: Submitter{
				ID:        text(entry.Get("result_entered_by.id")),
				FirstName: text(entry.Get("result_entered_by.first_name")),
				LastName:  text(entry.Get("result_entered_by.last_name")),
				Phone:     text(entry.Get("result_entered_by.phone_number")),
			},
			DateEntered: parseTime(text(entry.Get("date_result_entered"))),
		}
		entry.Get("results").ForEach(func(indicator, v gjson.Result) bool {
			tr.Measures = append(tr.Measures, RemoteMeasure{
				Indicator: strings.TrimSpace(indicator.String()),
				Value:     text(v.Get("result_value")),
			})
			return true
		})
		doc.TestResults = append(doc.TestResults, tr)
		return true
	})

	return doc, nil
}

// text renders strings and numbers alike; null and missing become "".
func text(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

func optionalText(r gjson.Result) *string {
	s := text(r)
	if s == "" {
		return nil
	}
	return &s
}

func conceptRef(r gjson.Result) ConceptRef {
	return ConceptRef{ConceptID: text(r.Get("concept_id")), Name: text(r.Get("name"))}
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// flatten joins a multi-line validator message into one ledger-friendly line.
func flatten(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-")); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "; ")
}
