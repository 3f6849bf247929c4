package codec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/odvcencio/findingmirror/internal/models"
)

func strPtr(s string) *string { return &s }

func rangePtr(startLine, startOffset, endLine, endOffset int, hash string) *models.TextRangeWithHash {
	return &models.TextRangeWithHash{
		TextRange: models.TextRange{
			StartLine:       startLine,
			StartLineOffset: startOffset,
			EndLine:         endLine,
			EndLineOffset:   endOffset,
		},
		Hash: hash,
	}
}

func TestFlowsRoundTrip(t *testing.T) {
	flows := []models.Flow{
		{Locations: []models.Location{
			{FilePath: strPtr("src/Main.java"), TextRange: rangePtr(1, 2, 3, 4, "abcd"), Message: "source"},
			{FilePath: strPtr("src/Util.java"), Message: "file level"},
			{Message: "project level"},
			{FilePath: strPtr(""), TextRange: rangePtr(0, 0, 0, 0, ""), Message: ""},
		}},
		{},
		{Locations: []models.Location{
			{FilePath: strPtr("src/Sink.java"), TextRange: rangePtr(10, 0, 12, 7, "ffff"), Message: "sink"},
		}},
	}

	got, err := DecodeFlows(EncodeFlows(flows))
	if err != nil {
		t.Fatalf("DecodeFlows: %v", err)
	}
	if diff := cmp.Diff(flows, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("flows mismatch (-want +got):\n%s", diff)
	}
}

func TestLocationPresenceIsPreserved(t *testing.T) {
	locs := []models.Location{
		{Message: "project level"},
		{FilePath: strPtr("a.go"), Message: "rangeless"},
		{TextRange: rangePtr(5, 1, 5, 9, "h"), Message: "range without file"},
	}
	got, err := DecodeLocations(EncodeLocations(locs))
	if err != nil {
		t.Fatalf("DecodeLocations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	if got[0].FilePath != nil || got[0].TextRange != nil {
		t.Fatalf("project level location gained fields: %#v", got[0])
	}
	if got[1].FilePath == nil || *got[1].FilePath != "a.go" || got[1].TextRange != nil {
		t.Fatalf("rangeless location = %#v", got[1])
	}
	if got[2].FilePath != nil || got[2].TextRange == nil || got[2].TextRange.EndLineOffset != 9 {
		t.Fatalf("range location = %#v", got[2])
	}
}

func TestEmptyBlobs(t *testing.T) {
	if b := EncodeFlows(nil); len(b) != 0 {
		t.Fatalf("EncodeFlows(nil) = %v, want empty", b)
	}
	flows, err := DecodeFlows(nil)
	if err != nil || len(flows) != 0 {
		t.Fatalf("DecodeFlows(nil) = %v, %v", flows, err)
	}
	impacts, err := DecodeImpacts(nil)
	if err != nil || len(impacts) != 0 {
		t.Fatalf("DecodeImpacts(nil) = %v, %v", impacts, err)
	}
}

func TestImpactsRoundTripIsDeterministic(t *testing.T) {
	impacts := models.Impacts{
		models.QualitySecurity:        models.ImpactHigh,
		models.QualityMaintainability: models.ImpactLow,
		models.QualityReliability:     models.ImpactMedium,
	}
	first := EncodeImpacts(impacts)
	for i := 0; i < 10; i++ {
		if again := EncodeImpacts(impacts); string(again) != string(first) {
			t.Fatalf("EncodeImpacts is not deterministic")
		}
	}
	got, err := DecodeImpacts(first)
	if err != nil {
		t.Fatalf("DecodeImpacts: %v", err)
	}
	if diff := cmp.Diff(impacts, got); diff != "" {
		t.Fatalf("impacts mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	blob := EncodeFlows([]models.Flow{{Locations: []models.Location{{Message: "m"}}}})
	_, err := DecodeFlows(blob[:len(blob)-1])
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("DecodeFlows(truncated) error = %v, want ErrTruncated", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	// length 2 followed by a tag with field number 0
	if _, err := DecodeLocations([]byte{0x02, 0x00, 0x00}); err == nil {
		t.Fatalf("DecodeLocations(garbage) returned no error")
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var msg []byte
	msg = append(msg, 15<<3|0, 0x01) // field 15, varint 1
	msg = append(msg, locationMessageField<<3|2, 0x02, 'h', 'i')
	blob := appendRecord(nil, msg)

	got, err := DecodeLocations(blob)
	if err != nil {
		t.Fatalf("DecodeLocations: %v", err)
	}
	if len(got) != 1 || got[0].Message != "hi" {
		t.Fatalf("DecodeLocations = %#v", got)
	}
}
