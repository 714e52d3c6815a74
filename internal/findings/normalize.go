// Package findings converts JSON vulnerability reports (the
// "vulnerabilities" array format produced by JFrog Xray style scanners)
// into the flat finding list the observer renders.
package findings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Report is the normalized document.
type Report struct {
	Image    Image     `json:"image"`
	ScanDate *string   `json:"scan_date"`
	Findings []Finding `json:"findings"`
}

// Image is the scanned container image, when it could be detected.
type Image struct {
	Name    *string `json:"name"`
	Version *string `json:"version"`
}

// Package is the affected package.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Finding is one normalized vulnerability.
type Finding struct {
	ID           string          `json:"id"`
	Severity     string          `json:"severity"`
	Package      Package         `json:"package"`
	Component    string          `json:"component"`
	CVEs         []string        `json:"cves"`
	CVSSScore    *float64        `json:"cvss_score"`
	FixAvailable bool            `json:"fix_available"`
	FixedVersion json.RawMessage `json:"fixed_version"`
	Description  string          `json:"description"`
	References   json.RawMessage `json:"references"`
	Path         string          `json:"path"`
	Metadata     Metadata        `json:"metadata"`
}

// Metadata carries raw fields the observer may inspect.
type Metadata struct {
	ImpactedPackageType json.RawMessage `json:"impactedPackageType"`
	JFrog               json.RawMessage `json:"jfrog"`
	ImpactPaths         json.RawMessage `json:"impact_paths"`
}

type rawReport struct {
	Vulnerabilities json.RawMessage `json:"vulnerabilities"`
}

type rawEntry struct {
	IssueID                string          `json:"issueId"`
	Severity               string          `json:"severity"`
	ImpactedPackageName    string          `json:"impactedPackageName"`
	ImpactedPackageVersion string          `json:"impactedPackageVersion"`
	ImpactedPackageType    json.RawMessage `json:"impactedPackageType"`
	Components             []struct {
		Name string `json:"name"`
	} `json:"components"`
	CVEs []struct {
		ID     string `json:"id"`
		CVSSV3 string `json:"cvssV3"`
	} `json:"cves"`
	FixedVersions json.RawMessage `json:"fixedVersions"`
	Summary       string          `json:"summary"`
	References    json.RawMessage `json:"references"`
	ImpactPaths   json.RawMessage `json:"impactPaths"`
	JFrog         json.RawMessage `json:"jfrogResearcInformation"`
}

type pathElement struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Location struct {
		File string `json:"file"`
	} `json:"location"`
}

var jsonNull = json.RawMessage("null")

// ReadFile loads path and normalizes it. Documents without a
// "vulnerabilities" array are returned unchanged.
func ReadFile(path, registryPrefix string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read file %s: %w", path, err)
	}
	out, err := Normalize(data, registryPrefix)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return out, nil
}

// Normalize converts a report. It fails only on malformed JSON; a valid
// document that is not a vulnerability report is returned as is.
func Normalize(data []byte, registryPrefix string) ([]byte, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var doc rawReport
	var entries []json.RawMessage
	if json.Unmarshal(data, &doc) != nil || json.Unmarshal(doc.Vulnerabilities, &entries) != nil || entries == nil {
		return data, nil
	}

	report := Report{Findings: make([]Finding, 0, len(entries))}
	for i, raw := range entries {
		var e rawEntry
		// entries that are not objects still produce a finding with defaults
		_ = json.Unmarshal(raw, &e)

		report.Findings = append(report.Findings, convert(i, e))
		if report.Image.Name == nil && registryPrefix != "" {
			report.Image = detectImage(e.ImpactPaths, registryPrefix)
		}
	}

	return json.Marshal(report)
}

func convert(i int, e rawEntry) Finding {
	f := Finding{
		ID:          e.IssueID,
		Severity:    e.Severity,
		Package:     Package{Name: e.ImpactedPackageName, Version: e.ImpactedPackageVersion},
		CVEs:        make([]string, 0, len(e.CVEs)),
		Description: e.Summary,
		References:  orDefault(e.References, json.RawMessage("[]")),
		Path:        lastLocation(e.ImpactPaths),
		Metadata: Metadata{
			ImpactedPackageType: orDefault(e.ImpactedPackageType, jsonNull),
			JFrog:               orDefault(e.JFrog, jsonNull),
			ImpactPaths:         orDefault(e.ImpactPaths, jsonNull),
		},
	}
	if f.ID == "" {
		f.ID = fmt.Sprintf("vuln-%d", i)
	}
	if len(e.Components) > 0 {
		f.Component = e.Components[0].Name
	}
	for _, c := range e.CVEs {
		if c.ID != "" {
			f.CVEs = append(f.CVEs, c.ID)
		}
	}
	if len(e.CVEs) > 0 {
		if score, err := strconv.ParseFloat(strings.TrimSpace(e.CVEs[0].CVSSV3), 64); err == nil {
			f.CVSSScore = &score
		}
	}
	f.FixAvailable, f.FixedVersion = fixedVersion(e.FixedVersions)
	return f
}

// fixedVersion accepts null, a string, or an array whose first element is
// the fixed version.
func fixedVersion(raw json.RawMessage) (bool, json.RawMessage) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false, jsonNull
	}
	switch raw[0] {
	case '"':
		return true, raw
	case '[':
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) != nil || len(arr) == 0 {
			return false, jsonNull
		}
		return true, arr[0]
	}
	return false, jsonNull
}

func impactPaths(raw json.RawMessage) [][]pathElement {
	var paths []json.RawMessage
	if json.Unmarshal(raw, &paths) != nil {
		return nil
	}
	out := make([][]pathElement, 0, len(paths))
	for _, p := range paths {
		var seq []pathElement
		if json.Unmarshal(p, &seq) != nil {
			seq = nil
		}
		out = append(out, seq)
	}
	return out
}

// lastLocation is the file of the last element of the first impact path.
func lastLocation(raw json.RawMessage) string {
	paths := impactPaths(raw)
	if len(paths) == 0 || len(paths[0]) == 0 {
		return ""
	}
	return paths[0][len(paths[0])-1].Location.File
}

// detectImage finds the first impact path element under the registry
// prefix. Its last path segment is the image name, its version the tag.
func detectImage(raw json.RawMessage, prefix string) Image {
	for _, seq := range impactPaths(raw) {
		for _, el := range seq {
			if !strings.Contains(el.Name, prefix) {
				continue
			}
			name := el.Name[strings.LastIndex(el.Name, "/")+1:]
			img := Image{Name: &name}
			if el.Version != "" {
				version := el.Version
				img.Version = &version
			}
			return img
		}
	}
	return Image{}
}

func orDefault(raw, def json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return def
	}
	return raw
}
