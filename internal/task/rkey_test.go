package task

import "testing"

func TestRKeyTableRecordOverwritesPriorEntry(t *testing.T) {
	t.Parallel()
	tbl := NewRKeyTable(2)
	tbl.Record(10, 11)
	tbl.Record(10, 12)
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (repeated Record on same old key must overwrite)", tbl.Len())
	}
	got, err := tbl.Translate(10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != 12 {
		t.Fatalf("Translate(10) = %d, want 12", got)
	}
}

func TestRKeyTableZeroAlwaysTranslatesToZero(t *testing.T) {
	t.Parallel()
	tbl := NewRKeyTable(0)
	got, err := tbl.Translate(0)
	if err != nil {
		t.Fatalf("Translate(0): %v", err)
	}
	if got != 0 {
		t.Fatalf("Translate(0) = %d, want 0", got)
	}
}

func TestRKeyTableUnknownKeyErrors(t *testing.T) {
	t.Parallel()
	tbl := NewRKeyTable(0)
	if _, err := tbl.Translate(99); err == nil {
		t.Fatal("expected an error for an untranslated key")
	}
}
