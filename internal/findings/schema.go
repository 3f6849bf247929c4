package findings

// Entity types.
const (
	branchEntity  = "Branch"
	fileEntity    = "File"
	issueEntity   = "Issue"
	taintEntity   = "TaintIssue"
	hotspotEntity = "Hotspot"
	riskEntity    = "DependencyRisk"
	schemaEntity  = "Schema"
)

// Branch properties and links.
const (
	branchName            = "name"
	branchFiles           = "files"
	branchTaintIssues     = "taintIssues"
	branchDependencyRisks = "dependencyRisks"

	lastIssueSync               = "lastIssueSync"
	lastTaintSync               = "lastTaintSync"
	lastHotspotSync             = "lastHotspotSync"
	lastIssueEnabledLanguages   = "lastIssueEnabledLanguages"
	lastTaintEnabledLanguages   = "lastTaintEnabledLanguages"
	lastHotspotEnabledLanguages = "lastHotspotEnabledLanguages"
)

// File properties and links.
const (
	filePath        = "path"
	fileIssues      = "issues"
	fileTaintIssues = "taintIssues"
	fileHotspots    = "hotspots"
)

// Finding properties, blobs and back links.
const (
	propKey                       = "key"
	propID                        = "id"
	propResolved                  = "resolved"
	propRuleKey                   = "ruleKey"
	propCreationDate              = "creationDate"
	propUserSeverity              = "userSeverity"
	propSeverity                  = "severity"
	propType                      = "type"
	propStartLine                 = "startLine"
	propStartLineOffset           = "startLineOffset"
	propEndLine                   = "endLine"
	propEndLineOffset             = "endLineOffset"
	propRuleDescriptionContextKey = "ruleDescriptionContextKey"
	propCleanCodeAttribute        = "cleanCodeAttribute"
	propStatus                    = "status"
	propVulnerabilityProbability  = "vulnerabilityProbability"
	propAssignee                  = "assignee"
	propPackageName               = "packageName"
	propPackageVersion            = "packageVersion"
	propTransitions               = "transitions"

	blobMessage   = "message"
	blobLineHash  = "lineHash"
	blobRangeHash = "rangeHash"
	blobImpacts   = "impacts"
	blobFlows     = "flows"

	linkFile   = "file"
	linkBranch = "branch"
)

const schemaVersion = "version"

// findingKind describes how one finding type hangs off a File.
type findingKind struct {
	entity   string
	fileLink string
	label    string
	lastSync string
	lastLang string
}

var (
	issueKind   = findingKind{issueEntity, fileIssues, "issues", lastIssueSync, lastIssueEnabledLanguages}
	taintKind   = findingKind{taintEntity, fileTaintIssues, "taint issues", lastTaintSync, lastTaintEnabledLanguages}
	hotspotKind = findingKind{hotspotEntity, fileHotspots, "hotspots", lastHotspotSync, lastHotspotEnabledLanguages}
)
