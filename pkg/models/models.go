package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultStaleAfter is how long an indexed record stays fresh.
const DefaultStaleAfter = 7 * 24 * time.Hour

// RepositoryRecord is the indexed view of a single GitHub repository.
type RepositoryRecord struct {
	ID              int64              `json:"id"`
	FullName        string             `json:"full_name"`
	URL             string             `json:"url"`
	Description     *string            `json:"description,omitempty"`
	Readme          string             `json:"-"`
	Topics          []string           `json:"topics"`
	PrimaryLanguage string             `json:"language_primary"`
	Languages       map[string]float64 `json:"languages,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	Stars           int                `json:"stars"`
	Forks           int                `json:"forks"`
	UpdatedAt       time.Time          `json:"last_updated"`
	IndexedAt       time.Time          `json:"indexed_at"`
}

// IsStale reports whether the record was indexed longer than maxAge ago.
func (r RepositoryRecord) IsStale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	return now.Sub(r.IndexedAt) > maxAge
}

// DescriptionText returns the description or "" when absent.
func (r RepositoryRecord) DescriptionText() string {
	if r.Description == nil {
		return ""
	}
	return *r.Description
}

// EmbeddingPair holds the purpose and stack vectors of one repository.
type EmbeddingPair struct {
	Purpose []float32 `json:"purpose"`
	Stack   []float32 `json:"stack"`
}

// Space names one of the two vector spaces.
type Space string

const (
	SpacePurpose Space = "purpose"
	SpaceStack   Space = "stack"
)

// Candidate is a single nearest-neighbour hit from one vector space.
type Candidate struct {
	Record RepositoryRecord
	Score  float64
}

// RankedResult is a merged result carrying both per-space scores.
type RankedResult struct {
	Record          RepositoryRecord `json:"record"`
	PurposeScore    float64          `json:"purpose_score"`
	StackScore      float64          `json:"stack_score"`
	SimilarityScore float64          `json:"similarity_score"`
}

// Weights configures the linear combination of the two spaces.
type Weights struct {
	Purpose float64 `json:"weight_purpose"`
	Stack   float64 `json:"weight_stack"`
}

// Query describes a similarity search request.
type Query struct {
	Repo     RepoRef
	Weights  Weights
	Limit    int
	MinScore float64
	MinStars int
}

// IndexStatus is the outcome of a single index request.
type IndexStatus string

const (
	StatusAlreadyIndexed IndexStatus = "already_indexed"
	StatusIndexed        IndexStatus = "indexed"
	StatusFailed         IndexStatus = "failed"
)

type IndexResult struct {
	Status   IndexStatus `json:"status"`
	RepoID   int64       `json:"repo_id"`
	FullName string      `json:"full_name"`
}

// BatchItem is the per-repository outcome of a batch run.
type BatchItem struct {
	Repo   RepoRef     `json:"repo"`
	Status IndexStatus `json:"status"`
	RepoID int64       `json:"repo_id,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type BatchResult struct {
	Total          int         `json:"total"`
	Indexed        int         `json:"indexed"`
	AlreadyIndexed int         `json:"already_indexed"`
	Failed         int         `json:"failed"`
	Items          []BatchItem `json:"items"`
}

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (r RepoRef) FullName() string { return r.Owner + "/" + r.Name }

// Key is the case-insensitive identity of the reference.
func (r RepoRef) Key() string { return strings.ToLower(r.FullName()) }

func (r RepoRef) String() string { return r.FullName() }

var (
	repoURLPattern  = regexp.MustCompile(`^(?:https?://)?(?:www\.)?github\.com/([^/\s]+)/([^/\s#?]+?)(?:\.git)?/?(?:[#?].*)?$`)
	shortRefPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+?)(?:\.git)?$`)
)

// ParseRepoRef accepts "owner/name" or a github.com URL.
func ParseRepoRef(s string) (RepoRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RepoRef{}, fmt.Errorf("empty repository reference")
	}
	if m := repoURLPattern.FindStringSubmatch(s); m != nil {
		return RepoRef{Owner: m[1], Name: m[2]}, nil
	}
	if m := shortRefPattern.FindStringSubmatch(s); m != nil {
		return RepoRef{Owner: m[1], Name: m[2]}, nil
	}
	return RepoRef{}, fmt.Errorf("invalid GitHub repository: %q", s)
}

// SplitFullName parses "owner/name" without URL handling.
func SplitFullName(fullName string) (RepoRef, bool) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepoRef{}, false
	}
	return RepoRef{Owner: owner, Name: name}, true
}
