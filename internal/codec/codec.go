// Package codec encodes the variable-shape parts of findings (flows,
// locations, text ranges and impacts) into the opaque blobs stored on
// entities.
//
// A blob is a stream of records. Each record is a varint length followed
// by a message in protobuf wire format:
//
//	Flow      1: Location (repeated)
//	Location  1: file_path (only when set), 2: message, 3: TextRange (only when set)
//	TextRange 1: start_line, 2: start_line_offset, 3: end_line, 4: end_line_offset, 5: hash
//	Impact    1: software_quality, 2: severity
package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/odvcencio/findingmirror/internal/models"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a record length runs past the end of the blob.
var ErrTruncated = errors.New("codec: truncated record")

const (
	flowLocationField = 1

	locationFilePathField  = 1
	locationMessageField   = 2
	locationTextRangeField = 3

	rangeStartLineField       = 1
	rangeStartLineOffsetField = 2
	rangeEndLineField         = 3
	rangeEndLineOffsetField   = 4
	rangeHashField            = 5

	impactQualityField  = 1
	impactSeverityField = 2
)

// EncodeFlows returns the blob form of flows. An empty list encodes to an
// empty blob.
func EncodeFlows(flows []models.Flow) []byte {
	var out []byte
	for _, flow := range flows {
		var msg []byte
		for _, loc := range flow.Locations {
			msg = protowire.AppendTag(msg, flowLocationField, protowire.BytesType)
			msg = protowire.AppendBytes(msg, appendLocation(nil, loc))
		}
		out = appendRecord(out, msg)
	}
	return out
}

func DecodeFlows(b []byte) ([]models.Flow, error) {
	records, err := splitRecords(b)
	if err != nil {
		return nil, fmt.Errorf("decode flows: %w", err)
	}
	flows := make([]models.Flow, 0, len(records))
	for _, rec := range records {
		flow := models.Flow{Locations: []models.Location{}}
		err := consumeFields(rec, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if num != flowLocationField || typ != protowire.BytesType {
				return nil
			}
			loc, err := decodeLocation(v)
			if err != nil {
				return err
			}
			flow.Locations = append(flow.Locations, loc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("decode flows: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// EncodeLocations returns the blob form of a bare location list: one record
// per location, holding the same message a Flow nests under field 1.
// Stored findings keep locations inside flows only; this form is for
// callers exchanging location lists outside a flow, and nothing in the
// finding store writes it.
func EncodeLocations(locs []models.Location) []byte {
	var out []byte
	for _, loc := range locs {
		out = appendRecord(out, appendLocation(nil, loc))
	}
	return out
}

// DecodeLocations reads a blob written by EncodeLocations.
func DecodeLocations(b []byte) ([]models.Location, error) {
	records, err := splitRecords(b)
	if err != nil {
		return nil, fmt.Errorf("decode locations: %w", err)
	}
	locs := make([]models.Location, 0, len(records))
	for _, rec := range records {
		loc, err := decodeLocation(rec)
		if err != nil {
			return nil, fmt.Errorf("decode locations: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// EncodeImpacts returns the blob form of impacts, ordered by quality so the
// same map always produces the same bytes.
func EncodeImpacts(impacts models.Impacts) []byte {
	qualities := make([]string, 0, len(impacts))
	for q := range impacts {
		qualities = append(qualities, string(q))
	}
	sort.Strings(qualities)

	var out []byte
	for _, q := range qualities {
		var msg []byte
		msg = protowire.AppendTag(msg, impactQualityField, protowire.BytesType)
		msg = protowire.AppendString(msg, q)
		msg = protowire.AppendTag(msg, impactSeverityField, protowire.BytesType)
		msg = protowire.AppendString(msg, string(impacts[models.SoftwareQuality(q)]))
		out = appendRecord(out, msg)
	}
	return out
}

func DecodeImpacts(b []byte) (models.Impacts, error) {
	records, err := splitRecords(b)
	if err != nil {
		return nil, fmt.Errorf("decode impacts: %w", err)
	}
	impacts := make(models.Impacts, len(records))
	for _, rec := range records {
		var quality, severity string
		err := consumeFields(rec, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
			if typ != protowire.BytesType {
				return nil
			}
			switch num {
			case impactQualityField:
				quality = string(v)
			case impactSeverityField:
				severity = string(v)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("decode impacts: %w", err)
		}
		if quality == "" {
			return nil, fmt.Errorf("decode impacts: record without software quality")
		}
		impacts[models.SoftwareQuality(quality)] = models.ImpactSeverity(severity)
	}
	return impacts, nil
}

func appendLocation(b []byte, loc models.Location) []byte {
	if loc.FilePath != nil {
		b = protowire.AppendTag(b, locationFilePathField, protowire.BytesType)
		b = protowire.AppendString(b, *loc.FilePath)
	}
	b = protowire.AppendTag(b, locationMessageField, protowire.BytesType)
	b = protowire.AppendString(b, loc.Message)
	if loc.TextRange != nil {
		b = protowire.AppendTag(b, locationTextRangeField, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTextRange(nil, *loc.TextRange))
	}
	return b
}

func decodeLocation(b []byte) (models.Location, error) {
	var loc models.Location
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case locationFilePathField:
			path := string(v)
			loc.FilePath = &path
		case locationMessageField:
			loc.Message = string(v)
		case locationTextRangeField:
			r, err := decodeTextRange(v)
			if err != nil {
				return err
			}
			loc.TextRange = &r
		}
		return nil
	})
	return loc, err
}

func appendTextRange(b []byte, r models.TextRangeWithHash) []byte {
	for _, f := range []struct {
		num protowire.Number
		v   int
	}{
		{rangeStartLineField, r.StartLine},
		{rangeStartLineOffsetField, r.StartLineOffset},
		{rangeEndLineField, r.EndLine},
		{rangeEndLineOffsetField, r.EndLineOffset},
	} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(f.v)))
	}
	b = protowire.AppendTag(b, rangeHashField, protowire.BytesType)
	return protowire.AppendString(b, r.Hash)
}

func decodeTextRange(b []byte) (models.TextRangeWithHash, error) {
	var r models.TextRangeWithHash
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case typ == protowire.VarintType && num == rangeStartLineField:
			r.StartLine = int(int64(n))
		case typ == protowire.VarintType && num == rangeStartLineOffsetField:
			r.StartLineOffset = int(int64(n))
		case typ == protowire.VarintType && num == rangeEndLineField:
			r.EndLine = int(int64(n))
		case typ == protowire.VarintType && num == rangeEndLineOffsetField:
			r.EndLineOffset = int(int64(n))
		case typ == protowire.BytesType && num == rangeHashField:
			r.Hash = string(v)
		}
		return nil
	})
	return r, err
}

func appendRecord(out, msg []byte) []byte {
	out = protowire.AppendVarint(out, uint64(len(msg)))
	return append(out, msg...)
}

func splitRecords(b []byte) ([][]byte, error) {
	var records [][]byte
	for len(b) > 0 {
		size, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if size > uint64(len(b)) {
			return nil, ErrTruncated
		}
		records = append(records, b[:size])
		b = b[size:]
	}
	return records, nil
}

// consumeFields walks every field of a message. fn receives the raw bytes
// for length-delimited fields and the decoded value for varints; other wire
// types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}
