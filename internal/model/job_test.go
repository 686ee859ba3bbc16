package model

import (
	"errors"
	"testing"
)

func TestJobDraft_Validate(t *testing.T) {
	tests := []struct {
		name    string
		draft   JobDraft
		wantErr bool
	}{
		{"complete", JobDraft{Title: "Cardiologist", Hospital: "Tokyo General"}, false},
		{"missing title", JobDraft{Hospital: "Tokyo General"}, true},
		{"blank hospital", JobDraft{Title: "Cardiologist", Hospital: "   "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			var apiErr *APIError
			if err != nil && (!errors.As(err, &apiErr) || apiErr.Code != ErrCodeInvalidRequest) {
				t.Errorf("error = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestJobDraft_Normalize(t *testing.T) {
	d := JobDraft{Title: "  Resident ", Hospital: "Osaka\n", Tags: " er, icu "}.Normalize()
	if d.Title != "Resident" || d.Hospital != "Osaka" || d.Tags != "er, icu" {
		t.Errorf("Normalize() = %+v", d)
	}
}
