package validator

import (
	"testing"
)

func TestValidator_Flow(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"minimal", `{"name":"F1","steps":["a"]}`, true},
		{"with edges", `{"name":"F1","steps":["a","b"],"edges":[{"from":"a","to":"b"}]}`, true},
		{"missing name", `{"steps":["a"]}`, false},
		{"no steps", `{"name":"F1","steps":[]}`, false},
		{"edge missing to", `{"name":"F1","steps":["a"],"edges":[{"from":"a"}]}`, false},
		{"not json", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateFlowJSON([]byte(tt.body))
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v (%v)", tt.valid, res.Valid, res.Errors)
			}
			if !res.Valid && len(res.Errors) == 0 {
				t.Error("expected at least one error")
			}
		})
	}
}

func TestValidator_Record(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"without id", `{"step_name":"a","data":{"loss":0.5}}`, true},
		{"with uuid", `{"step_name":"a","record_id":"7d1f8a8e-6a5e-4c3b-9b2a-1f0e9d8c7b6a","data":{}}`, true},
		{"bad record id", `{"step_name":"a","record_id":"r1","data":{}}`, false},
		{"data not object", `{"step_name":"a","data":[1,2]}`, false},
		{"missing step", `{"data":{}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := v.ValidateRecordJSON([]byte(tt.body)); res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v (%v)", tt.valid, res.Valid, res.Errors)
			}
		})
	}
}

func TestValidator_Finalize(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if res := v.ValidateFinalizeJSON([]byte(`{"outcome":"success"}`)); !res.Valid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
	if res := v.ValidateFinalizeJSON([]byte(`{"outcome":"cancelled"}`)); res.Valid {
		t.Error("expected invalid outcome to be rejected")
	}
	if res := v.ValidateRunJSON([]byte(`{"parameters":{}}`)); res.Valid {
		t.Error("expected missing flow_id to be rejected")
	}
}
