package transport

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
)

// GateResult is the outcome of a version comparison.
type GateResult struct {
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
	Have   string `json:"have"`
	Min    string `json:"min,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Gate compares a reported version against a minimum. An empty minimum
// always passes. Versions are dotted numbers with an optional "v" prefix
// and a semver or PEP 440 suffix; "0.82" and "v0.82.0" are equal, and
// "0.83-dev", "1.0.0rc1" and "0.82.0.post1" all read as valid.
//
// A reported version that still cannot be read fails with the protocol
// kind, not version_low: the agent is not known to be old.
func Gate(have, min string) GateResult {
	res := GateResult{OK: true, Have: have, Min: min}
	if strings.TrimSpace(min) == "" {
		return res
	}
	m, ok := canonical(min)
	if !ok {
		// A minimum we cannot read gates nothing.
		return res
	}
	h, ok := canonical(have)
	if !ok {
		res.OK = false
		res.Kind = agenterr.KindProtocol.String()
		res.Reason = "unreadable version"
		return res
	}
	if semver.Compare(h, m) < 0 {
		res.OK = false
		res.Kind = agenterr.KindVersion.String()
		res.Reason = "below minimum"
	}
	return res
}

// CheckVersion returns a KindVersion error when have is below min, and a
// KindProtocol error when have cannot be read.
func CheckVersion(component, have, min string) error {
	g := Gate(have, min)
	switch {
	case g.OK:
		return nil
	case g.Kind == agenterr.KindProtocol.String():
		return agenterr.Errorf(agenterr.KindProtocol, "version gate", "unreadable %s version %q", component, have)
	}
	return agenterr.New(agenterr.KindVersion, "version gate", &agenterr.VersionError{
		Component: component,
		Have:      have,
		Min:       min,
	})
}

var (
	versionCore = regexp.MustCompile(`^(\d+(?:\.\d+)*)(.*)$`)

	// PEP 440 pre, post and dev segments, in that order, then local build.
	pep440Suffix = regexp.MustCompile(`^(?:[-_.]?(a|alpha|b|beta|c|rc|pre|preview)[-_.]?(\d*))?` +
		`(?:[-_.]?(post|rev|r)[-_.]?(\d*))?` +
		`(?:[-_.]?(dev)[-_.]?(\d*))?` +
		`(?:\+([0-9A-Za-z.]+))?$`)
)

// canonical turns a reported version into semver form: a "v" prefix, the
// numeric core padded to MAJOR.MINOR.PATCH, semver suffixes kept and PEP 440
// suffixes mapped (rcN and devN to pre-release, postN to build metadata).
func canonical(v string) (string, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	m := versionCore.FindStringSubmatch(v)
	if m == nil {
		return "", false
	}
	parts := strings.Split(m[1], ".")
	var extra []string
	if len(parts) > 3 {
		parts, extra = parts[:3], parts[3:]
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts {
		parts[i] = trimZeros(p)
	}
	out := "v" + strings.Join(parts, ".")

	rest := m[2]
	if rest != "" && (rest[0] == '-' || rest[0] == '+') && len(extra) == 0 {
		if s := out + rest; semver.IsValid(s) {
			return s, true
		}
	}

	s := pep440Suffix.FindStringSubmatch(rest)
	if s == nil {
		return "", false
	}
	var pre, build []string
	if s[1] != "" {
		pre = append(pre, preTag(s[1]))
		if s[2] != "" {
			pre = append(pre, trimZeros(s[2]))
		}
	}
	if s[5] != "" {
		pre = append(pre, "dev")
		if s[6] != "" {
			pre = append(pre, trimZeros(s[6]))
		}
	}
	if len(extra) > 0 {
		build = append(build, extra...)
	}
	if s[3] != "" {
		build = append(build, "post")
		if s[4] != "" {
			build = append(build, s[4])
		}
	}
	if s[7] != "" {
		build = append(build, s[7])
	}
	if len(pre) > 0 {
		out += "-" + strings.Join(pre, ".")
	}
	if len(build) > 0 {
		out += "+" + strings.Join(build, ".")
	}
	if !semver.IsValid(out) {
		return "", false
	}
	return out, true
}

func preTag(t string) string {
	switch t {
	case "a":
		return "alpha"
	case "b":
		return "beta"
	case "c", "pre", "preview":
		return "rc"
	}
	return t
}

// trimZeros drops leading zeros, which semver rejects in numeric fields.
func trimZeros(n string) string {
	n = strings.TrimLeft(n, "0")
	if n == "" {
		return "0"
	}
	return n
}
