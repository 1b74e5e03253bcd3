package compose

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ManifestFiles lists the dependency manifests probed for every repository,
// in the order their dependencies are concatenated.
var ManifestFiles = []string{
	"requirements.txt",
	"pyproject.toml",
	"package.json",
	"Cargo.toml",
	"pubspec.yaml",
	"go.mod",
	"Gemfile",
	"pom.xml",
	"build.gradle",
}

// ErrUnknownManifest is returned for a manifest kind with no parser.
var ErrUnknownManifest = errors.New("unknown manifest kind")

// ParseError reports a manifest that could not be parsed.
type ParseError struct {
	Kind string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Kind, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

type manifestParser func(content string) ([]string, error)

var parsers = map[string]manifestParser{
	"requirements.txt": parseRequirementsTxt,
	"pyproject.toml":   parsePyprojectToml,
	"package.json":     parsePackageJSON,
	"Cargo.toml":       parseCargoToml,
	"pubspec.yaml":     parsePubspecYAML,
	"go.mod":           parseGoMod,
	"Gemfile":          parseGemfile,
	"pom.xml":          parsePomXML,
	"build.gradle":     parseBuildGradle,
}

// ParseManifest extracts normalized dependency names from one manifest.
func ParseManifest(content, kind string) ([]string, error) {
	parse, ok := parsers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManifest, kind)
	}
	names, err := parse(content)
	if err != nil {
		return nil, &ParseError{Kind: kind, Err: err}
	}
	return normalize(names), nil
}

// ExtractDependencies is ParseManifest that never fails: unknown or broken
// manifests are logged and yield an empty list.
func ExtractDependencies(content, kind string) []string {
	deps, err := ParseManifest(content, kind)
	if err != nil {
		log.Warn().Err(err).Str("manifest", kind).Msg("skipping manifest")
		return []string{}
	}
	return deps
}

// ExtractAll parses every manifest present in files, walking ManifestFiles
// in order and returning one de-duplicated list.
func ExtractAll(files map[string]string) []string {
	var all []string
	for _, name := range ManifestFiles {
		content, ok := files[name]
		if !ok {
			continue
		}
		all = append(all, ExtractDependencies(content, name)...)
	}
	return normalize(all)
}

// normalize lowercases, trims and de-duplicates while keeping first-seen order.
func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

var (
	versionSpecRe = regexp.MustCompile(`[><=!~]+.*$`)
	extrasRe      = regexp.MustCompile(`\[[^\]]*\]`)
	pep508SplitRe = regexp.MustCompile(`[><=!~;@ ]`)

	goRequireBlockRe  = regexp.MustCompile(`(?s)require\s*\((.*?)\)`)
	goSingleRequireRe = regexp.MustCompile(`(?m)^require\s+([^\s(]+)`)
	gemRe             = regexp.MustCompile(`(?m)^\s*gem\s+['"]([^'"]+)['"]`)
	gradleDepRe       = regexp.MustCompile(`(?m)(?:implementation|compile|api|testImplementation)\s*[('"]+([^'"()]+)['")\s]`)
)

func parseRequirementsTxt(content string) ([]string, error) {
	var deps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-r") || strings.HasPrefix(line, "--") || strings.HasPrefix(line, "-e") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		line = extrasRe.ReplaceAllString(line, "")
		name := strings.TrimSpace(versionSpecRe.ReplaceAllString(line, ""))
		if name != "" {
			deps = append(deps, name)
		}
	}
	return deps, nil
}

func stripPEP508(dep string) string {
	dep = extrasRe.ReplaceAllString(dep, "")
	if loc := pep508SplitRe.FindStringIndex(dep); loc != nil {
		dep = dep[:loc[0]]
	}
	return strings.TrimSpace(dep)
}

// tomlTableKeys returns the direct child keys of table in document order.
func tomlTableKeys(md toml.MetaData, table ...string) []string {
	var keys []string
	for _, k := range md.Keys() {
		if len(k) != len(table)+1 {
			continue
		}
		match := true
		for i, part := range table {
			if k[i] != part {
				match = false
				break
			}
		}
		if match {
			keys = append(keys, k[len(table)])
		}
	}
	return keys
}

func parsePyprojectToml(content string) ([]string, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	md, err := toml.Decode(content, &doc)
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, d := range doc.Project.Dependencies {
		if name := stripPEP508(d); name != "" {
			deps = append(deps, name)
		}
	}
	for _, name := range tomlTableKeys(md, "tool", "poetry", "dependencies") {
		if strings.EqualFold(name, "python") {
			continue
		}
		deps = append(deps, name)
	}
	return deps, nil
}

func parseCargoToml(content string) ([]string, error) {
	md, err := toml.Decode(content, &map[string]any{})
	if err != nil {
		return nil, err
	}
	deps := tomlTableKeys(md, "dependencies")
	deps = append(deps, tomlTableKeys(md, "dev-dependencies")...)
	return deps, nil
}

func parsePackageJSON(content string) ([]string, error) {
	var doc struct {
		Dependencies    json.RawMessage `json:"dependencies"`
		DevDependencies json.RawMessage `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, err
	}
	var deps []string
	for _, raw := range []json.RawMessage{doc.Dependencies, doc.DevDependencies} {
		keys, err := jsonObjectKeys(raw)
		if err != nil {
			return nil, err
		}
		deps = append(deps, keys...)
	}
	return deps, nil
}

// jsonObjectKeys lists the top-level keys of a JSON object in document order.
func jsonObjectKeys(raw json.RawMessage) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func parsePubspecYAML(content string) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected mapping at top level")
	}
	var deps []string
	for i := 0; i+1 < len(doc.Content); i += 2 {
		section := doc.Content[i].Value
		if section != "dependencies" && section != "dev_dependencies" {
			continue
		}
		body := doc.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(body.Content); j += 2 {
			name := body.Content[j].Value
			if name == "flutter" || name == "flutter_test" {
				continue
			}
			deps = append(deps, name)
		}
	}
	return deps, nil
}

func parseGoMod(content string) ([]string, error) {
	var deps []string
	for _, m := range goRequireBlockRe.FindAllStringSubmatch(content, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "//") {
				continue
			}
			if fields := strings.Fields(line); len(fields) > 0 {
				deps = append(deps, fields[0])
			}
		}
	}
	for _, m := range goSingleRequireRe.FindAllStringSubmatch(content, -1) {
		deps = append(deps, m[1])
	}
	return deps, nil
}

func parseGemfile(content string) ([]string, error) {
	var deps []string
	for _, m := range gemRe.FindAllStringSubmatch(content, -1) {
		deps = append(deps, m[1])
	}
	return deps, nil
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
}

func parsePomXML(content string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Strict = false
	var deps []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "dependency" {
			continue
		}
		var d pomDependency
		if err := dec.DecodeElement(&d, &start); err != nil {
			return nil, err
		}
		if a := strings.TrimSpace(d.ArtifactID); a != "" {
			deps = append(deps, a)
		}
	}
	return deps, nil
}

func parseBuildGradle(content string) ([]string, error) {
	var deps []string
	for _, m := range gradleDepRe.FindAllStringSubmatch(content, -1) {
		raw := strings.TrimSpace(m[1])
		parts := strings.Split(raw, ":")
		if len(parts) >= 2 {
			deps = append(deps, parts[0]+":"+parts[1])
			continue
		}
		deps = append(deps, raw)
	}
	return deps, nil
}
