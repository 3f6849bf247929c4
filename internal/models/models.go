package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type IssueSeverity string

const (
	SeverityBlocker  IssueSeverity = "BLOCKER"
	SeverityCritical IssueSeverity = "CRITICAL"
	SeverityMajor    IssueSeverity = "MAJOR"
	SeverityMinor    IssueSeverity = "MINOR"
	SeverityInfo     IssueSeverity = "INFO"
)

type RuleType string

const (
	RuleTypeCodeSmell       RuleType = "CODE_SMELL"
	RuleTypeBug             RuleType = "BUG"
	RuleTypeVulnerability   RuleType = "VULNERABILITY"
	RuleTypeSecurityHotspot RuleType = "SECURITY_HOTSPOT"
)

type SoftwareQuality string

const (
	QualityMaintainability SoftwareQuality = "MAINTAINABILITY"
	QualityReliability     SoftwareQuality = "RELIABILITY"
	QualitySecurity        SoftwareQuality = "SECURITY"
)

type ImpactSeverity string

const (
	ImpactInfo    ImpactSeverity = "INFO"
	ImpactLow     ImpactSeverity = "LOW"
	ImpactMedium  ImpactSeverity = "MEDIUM"
	ImpactHigh    ImpactSeverity = "HIGH"
	ImpactBlocker ImpactSeverity = "BLOCKER"
)

// Impacts maps a software quality to the severity of its impact.
type Impacts map[SoftwareQuality]ImpactSeverity

type CleanCodeAttribute string

type HotspotReviewStatus string

const (
	HotspotToReview     HotspotReviewStatus = "TO_REVIEW"
	HotspotAcknowledged HotspotReviewStatus = "ACKNOWLEDGED"
	HotspotFixed        HotspotReviewStatus = "FIXED"
	HotspotSafe         HotspotReviewStatus = "SAFE"
)

// IsReviewed reports whether the status closes the hotspot.
func (s HotspotReviewStatus) IsReviewed() bool {
	return s == HotspotFixed || s == HotspotSafe
}

func IsHotspotReviewStatus(s string) bool {
	switch HotspotReviewStatus(s) {
	case HotspotToReview, HotspotAcknowledged, HotspotFixed, HotspotSafe:
		return true
	default:
		return false
	}
}

type VulnerabilityProbability string

const (
	ProbabilityHigh   VulnerabilityProbability = "HIGH"
	ProbabilityMedium VulnerabilityProbability = "MEDIUM"
	ProbabilityLow    VulnerabilityProbability = "LOW"
)

// Language is an analyzer language key such as "java" or "py".
type Language string

// SortLanguages returns a sorted copy of langs without duplicates or empty keys.
func SortLanguages(langs []Language) []Language {
	seen := make(map[Language]struct{}, len(langs))
	out := make([]Language, 0, len(langs))
	for _, l := range langs {
		l = Language(strings.TrimSpace(string(l)))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type TextRange struct {
	StartLine       int `json:"start_line"`
	StartLineOffset int `json:"start_line_offset"`
	EndLine         int `json:"end_line"`
	EndLineOffset   int `json:"end_line_offset"`
}

// TextRangeWithHash is a range plus the fingerprint of its content, used to
// re-match findings after local edits.
type TextRangeWithHash struct {
	TextRange
	Hash string `json:"hash"`
}

// Finding is implemented by Issue and TaintIssue.
type Finding interface {
	FindingKey() string
	IsResolved() bool
}

// IssueLocation is the variant part of an Issue: FileLevel, LineLevel or
// RangeLevel.
type IssueLocation interface {
	isIssueLocation()
}

type FileLevel struct{}

type LineLevel struct {
	Line     int    `json:"line"`
	LineHash string `json:"line_hash"`
}

type RangeLevel struct {
	Range TextRangeWithHash `json:"range"`
}

func (FileLevel) isIssueLocation()  {}
func (LineLevel) isIssueLocation()  {}
func (RangeLevel) isIssueLocation() {}

type Issue struct {
	Key          string         `json:"key"`
	Resolved     bool           `json:"resolved"`
	RuleKey      string         `json:"rule_key"`
	Message      string         `json:"message"`
	FilePath     string         `json:"file_path"`
	CreationDate time.Time      `json:"creation_date"`
	UserSeverity *IssueSeverity `json:"user_severity,omitempty"`
	Type         RuleType       `json:"type"`
	Impacts      Impacts        `json:"impacts,omitempty"`
	// Location is nil or FileLevel{} for issues without a location.
	Location IssueLocation `json:"-"`
}

func (i *Issue) FindingKey() string { return i.Key }
func (i *Issue) IsResolved() bool   { return i.Resolved }

// Line returns the starting line of the issue, or 0 for file-level issues.
func (i *Issue) Line() int {
	switch loc := i.Location.(type) {
	case LineLevel:
		return loc.Line
	case RangeLevel:
		return loc.Range.StartLine
	default:
		return 0
	}
}

// Location of a taint flow step. A nil FilePath marks a project-level
// location, a nil TextRange a file-level one.
type Location struct {
	FilePath  *string            `json:"file_path,omitempty"`
	TextRange *TextRangeWithHash `json:"text_range,omitempty"`
	Message   string             `json:"message"`
}

type Flow struct {
	Locations []Location `json:"locations"`
}

type TaintIssue struct {
	ID                        uuid.UUID          `json:"id"`
	Key                       string             `json:"key"`
	Resolved                  bool               `json:"resolved"`
	RuleKey                   string             `json:"rule_key"`
	Message                   string             `json:"message"`
	FilePath                  string             `json:"file_path"`
	CreationDate              time.Time          `json:"creation_date"`
	Severity                  IssueSeverity      `json:"severity"`
	Type                      RuleType           `json:"type"`
	TextRange                 *TextRangeWithHash `json:"text_range,omitempty"`
	RuleDescriptionContextKey string             `json:"rule_description_context_key,omitempty"`
	CleanCodeAttribute        CleanCodeAttribute `json:"clean_code_attribute,omitempty"`
	Impacts                   Impacts            `json:"impacts,omitempty"`
	Flows                     []Flow             `json:"flows,omitempty"`
}

func (t *TaintIssue) FindingKey() string { return t.Key }
func (t *TaintIssue) IsResolved() bool   { return t.Resolved }

type Hotspot struct {
	Key                      string                   `json:"key"`
	RuleKey                  string                   `json:"rule_key"`
	Message                  string                   `json:"message"`
	FilePath                 string                   `json:"file_path"`
	TextRange                TextRangeWithHash        `json:"text_range"`
	CreationDate             time.Time                `json:"creation_date"`
	Status                   HotspotReviewStatus      `json:"status"`
	VulnerabilityProbability VulnerabilityProbability `json:"vulnerability_probability"`
	Assignee                 string                   `json:"assignee,omitempty"`
}

func (h *Hotspot) Resolved() bool { return h.Status.IsReviewed() }

type DependencyRiskType string

const (
	DependencyRiskVulnerability     DependencyRiskType = "VULNERABILITY"
	DependencyRiskProhibitedLicense DependencyRiskType = "PROHIBITED_LICENSE"
)

type DependencyRiskSeverity string

const (
	DependencyRiskInfo    DependencyRiskSeverity = "INFO"
	DependencyRiskLow     DependencyRiskSeverity = "LOW"
	DependencyRiskMedium  DependencyRiskSeverity = "MEDIUM"
	DependencyRiskHigh    DependencyRiskSeverity = "HIGH"
	DependencyRiskBlocker DependencyRiskSeverity = "BLOCKER"
)

type DependencyRiskStatus string

const (
	DependencyRiskOpen    DependencyRiskStatus = "OPEN"
	DependencyRiskConfirm DependencyRiskStatus = "CONFIRM"
	DependencyRiskAccept  DependencyRiskStatus = "ACCEPT"
	DependencyRiskSafe    DependencyRiskStatus = "SAFE"
	DependencyRiskFixed   DependencyRiskStatus = "FIXED"
)

type DependencyRiskTransition string

const (
	TransitionConfirm DependencyRiskTransition = "CONFIRM"
	TransitionReopen  DependencyRiskTransition = "REOPEN"
	TransitionSafe    DependencyRiskTransition = "SAFE"
	TransitionFixed   DependencyRiskTransition = "FIXED"
	TransitionAccept  DependencyRiskTransition = "ACCEPT"
)

type DependencyRisk struct {
	Key            uuid.UUID                  `json:"key"`
	Type           DependencyRiskType         `json:"type"`
	Severity       DependencyRiskSeverity     `json:"severity"`
	Status         DependencyRiskStatus       `json:"status"`
	PackageName    string                     `json:"package_name"`
	PackageVersion string                     `json:"package_version"`
	Transitions    []DependencyRiskTransition `json:"transitions,omitempty"`
}
