// -------------------------------------------------------------------------------
// Validation Error Counter Tests
// -------------------------------------------------------------------------------

package metrics

import "testing"

func TestAddValidationErrors_CountsPerDetail(t *testing.T) {
	c := NewValidationErrorCounter()
	details := []ValidationErrorDetail{
		{Loc: []string{"body", "name"}, Msg: "field required", Type: "missing"},
		{Loc: []string{"query", "limit"}, Msg: "value is not a valid integer", Type: "int_parsing"},
	}
	c.AddValidationErrors("tester", "post", "/items", details)
	c.AddValidationErrors("tester", "POST", "/items", details[:1])

	items := c.GetAndResetValidationErrors()
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}
	for _, item := range items {
		if item.Method != "POST" {
			t.Errorf("method should be uppercased, got %q", item.Method)
		}
		switch item.Type {
		case "missing":
			if item.ErrorCount != 2 {
				t.Errorf("expected error_count 2 for missing, got %d", item.ErrorCount)
			}
			if len(item.Loc) != 2 || item.Loc[0] != "body" || item.Loc[1] != "name" {
				t.Errorf("unexpected loc %v", item.Loc)
			}
		case "int_parsing":
			if item.ErrorCount != 1 {
				t.Errorf("expected error_count 1 for int_parsing, got %d", item.ErrorCount)
			}
		default:
			t.Errorf("unexpected type %q", item.Type)
		}
	}
}

func TestAddValidationErrors_SkipsMalformedItems(t *testing.T) {
	c := NewValidationErrorCounter()
	c.AddValidationErrors("", "GET", "/items", []ValidationErrorDetail{
		{},
		{Loc: []string{"query", "q"}, Msg: "field required", Type: "missing"},
	})

	items := c.GetAndResetValidationErrors()
	if len(items) != 1 {
		t.Fatalf("expected malformed item to be skipped, got %d entries", len(items))
	}
	if items[0].Msg != "field required" {
		t.Errorf("unexpected entry %+v", items[0])
	}
}

func TestGetAndResetValidationErrors_LeavesCounterEmpty(t *testing.T) {
	c := NewValidationErrorCounter()
	c.AddValidationErrors("", "GET", "/", []ValidationErrorDetail{
		{Loc: []string{"query"}, Msg: "bad", Type: "invalid"},
	})

	if got := len(c.GetAndResetValidationErrors()); got != 1 {
		t.Fatalf("first drain returned %d entries, want 1", got)
	}
	if got := len(c.GetAndResetValidationErrors()); got != 0 {
		t.Errorf("second drain returned %d entries, want 0", got)
	}
}
