package findings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "registry.example.com/platform"

const sampleReport = `{
  "vulnerabilities": [
    {
      "severity": "High",
      "impactedPackageName": "glibc-common",
      "impactedPackageVersion": "0:2.34-231.el9_7.2",
      "impactedPackageType": "RPM",
      "components": [{"name": "sha256__abc.tar", "version": ""}],
      "summary": "glibc: Integer overflow in memalign leads to heap corruption",
      "fixedVersions": null,
      "cves": [{"id": "CVE-2026-0861", "cvssV3": "9.8"}],
      "issueId": "XRAY-932948",
      "references": ["https://access.redhat.com/security/cve/CVE-2026-0861"],
      "impactPaths": [[
        {"name": "registry.example.com/platform/datahub-actions", "version": "8.0.2-101394"},
        {"name": "glibc-common", "version": "2.34", "location": {"file": "usr/lib64/libc.so.6"}}
      ]]
    },
    {
      "severity": "Low",
      "impactedPackageName": "openssl",
      "fixedVersions": ["[3.0.7]", "[3.1.0]"],
      "cves": []
    }
  ]
}`

func decode(t *testing.T, data []byte) Report {
	t.Helper()
	var r Report
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestNormalize(t *testing.T) {
	out, err := Normalize([]byte(sampleReport), prefix)
	require.NoError(t, err)
	r := decode(t, out)

	require.Len(t, r.Findings, 2)
	f0 := r.Findings[0]
	assert.Equal(t, "XRAY-932948", f0.ID)
	assert.Equal(t, "High", f0.Severity)
	assert.Equal(t, Package{Name: "glibc-common", Version: "0:2.34-231.el9_7.2"}, f0.Package)
	assert.Equal(t, "sha256__abc.tar", f0.Component)
	assert.Equal(t, []string{"CVE-2026-0861"}, f0.CVEs)
	require.NotNil(t, f0.CVSSScore)
	assert.InDelta(t, 9.8, *f0.CVSSScore, 1e-9)
	assert.False(t, f0.FixAvailable)
	assert.JSONEq(t, "null", string(f0.FixedVersion))
	assert.Equal(t, "usr/lib64/libc.so.6", f0.Path)
	assert.JSONEq(t, `"RPM"`, string(f0.Metadata.ImpactedPackageType))
	assert.NotEqual(t, "null", string(f0.Metadata.ImpactPaths))

	f1 := r.Findings[1]
	assert.Equal(t, "vuln-1", f1.ID, "missing issueId falls back to the index")
	assert.True(t, f1.FixAvailable)
	assert.JSONEq(t, `"[3.0.7]"`, string(f1.FixedVersion))
	assert.Nil(t, f1.CVSSScore)
	assert.Empty(t, f1.CVEs)
	assert.JSONEq(t, "[]", string(f1.References))

	require.NotNil(t, r.Image.Name)
	require.NotNil(t, r.Image.Version)
	assert.Equal(t, "datahub-actions", *r.Image.Name)
	assert.Equal(t, "8.0.2-101394", *r.Image.Version)
	assert.Nil(t, r.ScanDate)
}

func TestNormalize_NoPrefixMatch(t *testing.T) {
	out, err := Normalize([]byte(sampleReport), "other.registry/")
	require.NoError(t, err)
	r := decode(t, out)
	assert.Nil(t, r.Image.Name)
	assert.Nil(t, r.Image.Version)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.Equal(t, map[string]any{"name": nil, "version": nil}, raw["image"])
}

func TestNormalize_StringFixedVersion(t *testing.T) {
	out, err := Normalize([]byte(`{"vulnerabilities":[{"issueId":"X","fixedVersions":"1.2.3"}]}`), prefix)
	require.NoError(t, err)
	f := decode(t, out).Findings[0]
	assert.True(t, f.FixAvailable)
	assert.JSONEq(t, `"1.2.3"`, string(f.FixedVersion))
}

func TestNormalize_PassThrough(t *testing.T) {
	for _, doc := range []string{`{"results": []}`, `{"vulnerabilities": {"not": "array"}}`, `[1,2]`} {
		out, err := Normalize([]byte(doc), prefix)
		require.NoError(t, err, doc)
		assert.Equal(t, doc, string(out))
	}
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize([]byte(`{"vulnerabilities": [`), prefix)
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleReport), 0o600))

	out, err := ReadFile(path, prefix)
	require.NoError(t, err)
	assert.Len(t, decode(t, out).Findings, 2)

	_, err = ReadFile(filepath.Join(dir, "missing.json"), prefix)
	assert.ErrorContains(t, err, "could not read file")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = ReadFile(bad, prefix)
	assert.ErrorContains(t, err, "invalid JSON")
}
