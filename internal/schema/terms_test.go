package schema

import "testing"

func TestTermsSchemaValidate(t *testing.T) {
	ts, err := NewTermsSchema(nil)
	if err != nil {
		t.Fatalf("NewTermsSchema: %v", err)
	}

	valid := map[string]string{
		"enqueue_time": "1000",
		"table":        "FlowSeriesTable",
		"where":        "1",
		"select":       "*",
	}
	if err := ts.Validate(valid); err != nil {
		t.Fatalf("expected valid terms to pass, got: %v", err)
	}

	missingRequired := map[string]string{"where": "1"}
	if err := ts.Validate(missingRequired); err == nil {
		t.Fatal("expected terms missing enqueue_time/table to fail validation")
	}

	badEnqueueTime := map[string]string{
		"enqueue_time": "not-a-number",
		"table":        "FlowSeriesTable",
	}
	if err := ts.Validate(badEnqueueTime); err == nil {
		t.Fatal("expected non-numeric enqueue_time to fail validation")
	}
}

func TestTermsSchemaPerTableOverride(t *testing.T) {
	ts, err := NewTermsSchema(map[string]string{
		"StrictTable": `{"type":"object","properties":{"enqueue_time":{"type":"string"},"table":{"type":"string"},"time_period":{"type":"string"}},"required":["enqueue_time","table","time_period"]}`,
	})
	if err != nil {
		t.Fatalf("NewTermsSchema: %v", err)
	}

	missingTimePeriod := map[string]string{"enqueue_time": "1", "table": "StrictTable"}
	if err := ts.Validate(missingTimePeriod); err == nil {
		t.Fatal("expected StrictTable's dedicated schema to require time_period")
	}

	other := map[string]string{"enqueue_time": "1", "table": "OtherTable"}
	if err := ts.Validate(other); err != nil {
		t.Fatalf("expected fallback schema to apply to OtherTable, got: %v", err)
	}
}
