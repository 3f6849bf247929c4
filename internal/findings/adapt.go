package findings

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/odvcencio/findingmirror/internal/codec"
	"github.com/odvcencio/findingmirror/internal/entitystore"
	"github.com/odvcencio/findingmirror/internal/models"
)

func str(p entitystore.Properties, name string) string {
	v, _ := p.String(name)
	return v
}

func num(p entitystore.Properties, name string) int {
	v, _ := p.Int(name)
	return v
}

func linkedFilePath(e *entitystore.Entity) (string, error) {
	file, err := e.Link(linkFile)
	if err != nil || file == nil {
		return "", err
	}
	v, err := file.Property(filePath)
	if err != nil {
		return "", err
	}
	path, _ := v.(string)
	return path, nil
}

func readRange(p entitystore.Properties, hash string) models.TextRangeWithHash {
	return models.TextRangeWithHash{
		TextRange: models.TextRange{
			StartLine:       num(p, propStartLine),
			StartLineOffset: num(p, propStartLineOffset),
			EndLine:         num(p, propEndLine),
			EndLineOffset:   num(p, propEndLineOffset),
		},
		Hash: hash,
	}
}

func writeRange(e *entitystore.Entity, r models.TextRangeWithHash) {
	e.SetProperty(propStartLine, r.StartLine)
	e.SetProperty(propStartLineOffset, r.StartLineOffset)
	e.SetProperty(propEndLine, r.EndLine)
	e.SetProperty(propEndLineOffset, r.EndLineOffset)
	e.SetBlobString(blobRangeHash, r.Hash)
}

// clearLocation drops every location property so a finding that changes
// shape on update does not keep stale values from its previous shape.
func clearLocation(e *entitystore.Entity) {
	e.DeleteProperty(propStartLine)
	e.DeleteProperty(propStartLineOffset)
	e.DeleteProperty(propEndLine)
	e.DeleteProperty(propEndLineOffset)
	e.DeleteBlob(blobRangeHash)
	e.DeleteBlob(blobLineHash)
}

func setOptional(e *entitystore.Entity, name, value string) {
	if value == "" {
		e.DeleteProperty(name)
		return
	}
	e.SetProperty(name, value)
}

func readImpacts(e *entitystore.Entity) (models.Impacts, error) {
	b, ok, err := e.Blob(blobImpacts)
	if err != nil || !ok {
		return nil, err
	}
	return codec.DecodeImpacts(b)
}

func writeIssue(e *entitystore.Entity, issue *models.Issue) {
	e.SetProperty(propKey, issue.Key)
	e.SetProperty(propResolved, issue.Resolved)
	e.SetProperty(propRuleKey, issue.RuleKey)
	e.SetBlobString(blobMessage, issue.Message)
	e.SetProperty(propCreationDate, issue.CreationDate)
	e.SetProperty(propType, string(issue.Type))
	if issue.UserSeverity != nil {
		e.SetProperty(propUserSeverity, string(*issue.UserSeverity))
	} else {
		e.DeleteProperty(propUserSeverity)
	}
	e.SetBlob(blobImpacts, codec.EncodeImpacts(issue.Impacts))

	clearLocation(e)
	switch loc := issue.Location.(type) {
	case models.LineLevel:
		e.SetProperty(propStartLine, loc.Line)
		e.SetBlobString(blobLineHash, loc.LineHash)
	case models.RangeLevel:
		writeRange(e, loc.Range)
	}
}

func readIssue(e *entitystore.Entity) (*models.Issue, error) {
	p, err := e.Properties()
	if err != nil {
		return nil, err
	}
	message, _, err := e.BlobString(blobMessage)
	if err != nil {
		return nil, err
	}
	impacts, err := readImpacts(e)
	if err != nil {
		return nil, fmt.Errorf("issue %s: %w", str(p, propKey), err)
	}
	path, err := linkedFilePath(e)
	if err != nil {
		return nil, err
	}
	issue := &models.Issue{
		Key:      str(p, propKey),
		Resolved: p.Bool(propResolved),
		RuleKey:  str(p, propRuleKey),
		Message:  message,
		FilePath: path,
		Type:     models.RuleType(str(p, propType)),
		Impacts:  impacts,
	}
	issue.CreationDate, _ = p.Time(propCreationDate)
	if sev, ok := p.String(propUserSeverity); ok {
		s := models.IssueSeverity(sev)
		issue.UserSeverity = &s
	}

	line, ok := p.Int(propStartLine)
	if !ok {
		issue.Location = models.FileLevel{}
		return issue, nil
	}
	rangeHash, isRange, err := e.BlobString(blobRangeHash)
	if err != nil {
		return nil, err
	}
	if isRange {
		issue.Location = models.RangeLevel{Range: readRange(p, rangeHash)}
		return issue, nil
	}
	lineHash, _, err := e.BlobString(blobLineHash)
	if err != nil {
		return nil, err
	}
	issue.Location = models.LineLevel{Line: line, LineHash: lineHash}
	return issue, nil
}

func writeTaint(e *entitystore.Entity, taint *models.TaintIssue) {
	e.SetProperty(propKey, taint.Key)
	e.SetProperty(propID, taint.ID.String())
	e.SetProperty(propResolved, taint.Resolved)
	e.SetProperty(propRuleKey, taint.RuleKey)
	e.SetBlobString(blobMessage, taint.Message)
	e.SetProperty(propCreationDate, taint.CreationDate)
	e.SetProperty(propSeverity, string(taint.Severity))
	e.SetProperty(propType, string(taint.Type))
	setOptional(e, propRuleDescriptionContextKey, taint.RuleDescriptionContextKey)
	setOptional(e, propCleanCodeAttribute, string(taint.CleanCodeAttribute))
	e.SetBlob(blobImpacts, codec.EncodeImpacts(taint.Impacts))
	e.SetBlob(blobFlows, codec.EncodeFlows(taint.Flows))

	clearLocation(e)
	if taint.TextRange != nil {
		writeRange(e, *taint.TextRange)
	}
}

func readTaint(e *entitystore.Entity) (*models.TaintIssue, error) {
	p, err := e.Properties()
	if err != nil {
		return nil, err
	}
	key := str(p, propKey)
	message, _, err := e.BlobString(blobMessage)
	if err != nil {
		return nil, err
	}
	impacts, err := readImpacts(e)
	if err != nil {
		return nil, fmt.Errorf("taint issue %s: %w", key, err)
	}
	var flows []models.Flow
	if b, ok, err := e.Blob(blobFlows); err != nil {
		return nil, err
	} else if ok {
		if flows, err = codec.DecodeFlows(b); err != nil {
			return nil, fmt.Errorf("taint issue %s: %w", key, err)
		}
	}
	path, err := linkedFilePath(e)
	if err != nil {
		return nil, err
	}
	taint := &models.TaintIssue{
		Key:                       key,
		Resolved:                  p.Bool(propResolved),
		RuleKey:                   str(p, propRuleKey),
		Message:                   message,
		FilePath:                  path,
		Severity:                  models.IssueSeverity(str(p, propSeverity)),
		Type:                      models.RuleType(str(p, propType)),
		RuleDescriptionContextKey: str(p, propRuleDescriptionContextKey),
		CleanCodeAttribute:        models.CleanCodeAttribute(str(p, propCleanCodeAttribute)),
		Impacts:                   impacts,
		Flows:                     flows,
	}
	taint.CreationDate, _ = p.Time(propCreationDate)
	if id, ok := p.String(propID); ok {
		if taint.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("taint issue %s: id: %w", key, err)
		}
	}
	if _, ok := p.Int(propStartLine); ok {
		hash, _, err := e.BlobString(blobRangeHash)
		if err != nil {
			return nil, err
		}
		r := readRange(p, hash)
		taint.TextRange = &r
	}
	return taint, nil
}

func writeHotspot(e *entitystore.Entity, h *models.Hotspot) {
	e.SetProperty(propKey, h.Key)
	e.SetProperty(propRuleKey, h.RuleKey)
	e.SetBlobString(blobMessage, h.Message)
	e.SetProperty(propCreationDate, h.CreationDate)
	e.SetProperty(propStatus, string(h.Status))
	e.SetProperty(propResolved, h.Resolved())
	e.SetProperty(propVulnerabilityProbability, string(h.VulnerabilityProbability))
	setOptional(e, propAssignee, h.Assignee)

	clearLocation(e)
	writeRange(e, h.TextRange)
	if h.TextRange.Hash == "" {
		e.DeleteBlob(blobRangeHash)
	}
}

func readHotspot(e *entitystore.Entity) (*models.Hotspot, error) {
	p, err := e.Properties()
	if err != nil {
		return nil, err
	}
	message, _, err := e.BlobString(blobMessage)
	if err != nil {
		return nil, err
	}
	hash, _, err := e.BlobString(blobRangeHash)
	if err != nil {
		return nil, err
	}
	path, err := linkedFilePath(e)
	if err != nil {
		return nil, err
	}
	h := &models.Hotspot{
		Key:                      str(p, propKey),
		RuleKey:                  str(p, propRuleKey),
		Message:                  message,
		FilePath:                 path,
		TextRange:                readRange(p, hash),
		VulnerabilityProbability: models.VulnerabilityProbability(str(p, propVulnerabilityProbability)),
		Assignee:                 str(p, propAssignee),
	}
	h.CreationDate, _ = p.Time(propCreationDate)
	// rows written before review statuses existed only carry resolved
	status := str(p, propStatus)
	switch {
	case models.IsHotspotReviewStatus(status):
		h.Status = models.HotspotReviewStatus(status)
	case p.Bool(propResolved):
		h.Status = models.HotspotSafe
	default:
		h.Status = models.HotspotToReview
	}
	return h, nil
}

func writeDependencyRisk(e *entitystore.Entity, r *models.DependencyRisk) {
	transitions := make([]string, len(r.Transitions))
	for i, t := range r.Transitions {
		transitions[i] = string(t)
	}
	e.SetProperty(propKey, r.Key.String())
	e.SetProperty(propType, string(r.Type))
	e.SetProperty(propSeverity, string(r.Severity))
	e.SetProperty(propStatus, string(r.Status))
	e.SetProperty(propPackageName, r.PackageName)
	e.SetProperty(propPackageVersion, r.PackageVersion)
	e.SetProperty(propTransitions, strings.Join(transitions, ","))
}

func readDependencyRisk(e *entitystore.Entity) (*models.DependencyRisk, error) {
	p, err := e.Properties()
	if err != nil {
		return nil, err
	}
	key, err := uuid.Parse(str(p, propKey))
	if err != nil {
		return nil, fmt.Errorf("dependency risk key: %w", err)
	}
	r := &models.DependencyRisk{
		Key:            key,
		Type:           models.DependencyRiskType(str(p, propType)),
		Severity:       models.DependencyRiskSeverity(str(p, propSeverity)),
		Status:         models.DependencyRiskStatus(str(p, propStatus)),
		PackageName:    str(p, propPackageName),
		PackageVersion: str(p, propPackageVersion),
	}
	for _, t := range strings.Split(str(p, propTransitions), ",") {
		if t = strings.TrimSpace(t); t != "" {
			r.Transitions = append(r.Transitions, models.DependencyRiskTransition(t))
		}
	}
	return r, nil
}

func joinLanguages(langs []models.Language) string {
	sorted := models.SortLanguages(langs)
	parts := make([]string, len(sorted))
	for i, l := range sorted {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}

func splitLanguages(s string) []models.Language {
	var langs []models.Language
	for _, part := range strings.Split(s, ",") {
		langs = append(langs, models.Language(part))
	}
	return models.SortLanguages(langs)
}
