// Package registry loads and serves the course-structure and cluster-profile
// artifacts. Both are read-only for the lifetime of a pipeline run; Reload on
// the run context swaps full snapshots atomically.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/antigravity-dev/stempath/internal/vocab"
)

// ErrRegistryMiss marks lookups for modules or clusters the registries do not know.
var ErrRegistryMiss = errors.New("registry: unknown id")

// Module is one course module as described by the CSR artifact.
type Module struct {
	ID           int      `json:"id"`
	Index        int      `json:"index"`
	CourseID     int      `json:"course_id"`
	SectionID    int      `json:"section_id"`
	ActivityType string   `json:"activity_type"`
	LOs          []string `json:"los"`
	Visible      bool     `json:"visible"`
}

// CSRArtifact is the JSON shape of the course-structure registry.
type CSRArtifact struct {
	Modules  []Module       `json:"modules"`
	Sections map[string]int `json:"sections"`
}

// CSR indexes the course structure for lookup.
type CSR struct {
	modules   map[int]Module // by module id
	byCourse  map[int][]Module
	sections  map[string]int
	hash      string
	moduleCnt int
}

// LoadCSR reads and indexes a CSR artifact from path.
func LoadCSR(path string) (*CSR, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read csr %s: %w", path, err)
	}
	var art CSRArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("registry: parse csr %s: %w", path, err)
	}
	csr, err := NewCSR(art)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	csr.hash = hex.EncodeToString(sum[:])
	return csr, nil
}

// NewCSR indexes an already-decoded artifact.
func NewCSR(art CSRArtifact) (*CSR, error) {
	csr := &CSR{
		modules:  make(map[int]Module, len(art.Modules)),
		byCourse: make(map[int][]Module),
		sections: art.Sections,
	}
	for _, m := range art.Modules {
		if _, dup := csr.modules[m.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate module id %d in csr", m.ID)
		}
		csr.modules[m.ID] = m
		csr.byCourse[m.CourseID] = append(csr.byCourse[m.CourseID], m)
	}
	// Course order: module index, then module id for activities sharing a slot.
	for course := range csr.byCourse {
		ms := csr.byCourse[course]
		sort.Slice(ms, func(i, j int) bool {
			if ms[i].Index != ms[j].Index {
				return ms[i].Index < ms[j].Index
			}
			return ms[i].ID < ms[j].ID
		})
	}
	csr.moduleCnt = len(art.Modules)
	csr.hash = hashJSON(art)
	return csr, nil
}

// Hash returns the content hash of the loaded artifact.
func (c *CSR) Hash() string { return c.hash }

// ModuleCount returns the number of modules in the registry.
func (c *CSR) ModuleCount() int { return c.moduleCnt }

// Module returns the module with the given id.
func (c *CSR) Module(moduleID int) (Module, error) {
	m, ok := c.modules[moduleID]
	if !ok {
		return Module{}, fmt.Errorf("%w: module %d", ErrRegistryMiss, moduleID)
	}
	return m, nil
}

// ModuleIndex maps a module id to its 0-based course index.
func (c *CSR) ModuleIndex(moduleID int) (int, error) {
	m, err := c.Module(moduleID)
	if err != nil {
		return 0, err
	}
	return m.Index, nil
}

// VisibleModules returns the visible modules of a course in index order.
func (c *CSR) VisibleModules(courseID int) []Module {
	var out []Module
	for _, m := range c.byCourse[courseID] {
		if m.Visible {
			out = append(out, m)
		}
	}
	return out
}

// ModuleByIndex returns the module at the given course index.
func (c *CSR) ModuleByIndex(courseID, idx int) (Module, error) {
	for _, m := range c.byCourse[courseID] {
		if m.Index == idx {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%w: course %d index %d", ErrRegistryMiss, courseID, idx)
}

// ActivitiesFor returns the modules of a course that an action can resolve to,
// in course order. Quiz actions resolve to quiz activities, content actions to
// content activities, and so on; actions with no structural binding resolve to
// no module (nil).
func (c *CSR) ActivitiesFor(courseID int, action vocab.Action) []Module {
	wantTypes := activityTypesFor(action)
	if wantTypes == nil {
		return nil
	}
	var out []Module
	for _, m := range c.byCourse[courseID] {
		if !m.Visible {
			continue
		}
		if _, ok := wantTypes[m.ActivityType]; ok {
			out = append(out, m)
		}
	}
	return out
}

func activityTypesFor(a vocab.Action) map[string]struct{} {
	switch a {
	case vocab.DoQuiz, vocab.AttemptQuiz, vocab.ReviewQuiz:
		return map[string]struct{}{"quiz": {}}
	case vocab.SubmitAssignment:
		return map[string]struct{}{"assign": {}, "assignment": {}}
	case vocab.WatchVideo:
		return map[string]struct{}{"video": {}, "url": {}}
	case vocab.ReadResource:
		return map[string]struct{}{"resource": {}, "book": {}, "page": {}}
	case vocab.ViewContent, vocab.ReviewContent:
		return map[string]struct{}{"page": {}, "resource": {}, "book": {}, "lesson": {}}
	case vocab.ParticipateForum:
		return map[string]struct{}{"forum": {}}
	case vocab.ViewReport:
		return map[string]struct{}{"report": {}, "workshop": {}}
	default:
		return nil
	}
}

func hashJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
