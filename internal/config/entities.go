package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entity is the per-entity-type profile: which UF fields hold files,
// deadline and task link, which stages count as success or failure, and
// how the task and its checklist are shaped.
type Entity struct {
	EntityTypeID int          `yaml:"entity_type_id" json:"entity_type_id"`
	Name         string       `yaml:"name" json:"name"`
	Fields       EntityFields `yaml:"fields" json:"fields"`
	Stages       EntityStages `yaml:"stages" json:"stages"`
	Task         EntityTask   `yaml:"task" json:"task"`
	Checklist    Checklist    `yaml:"checklist" json:"checklist"`
	Extract      Extract      `yaml:"extract" json:"extract"`
	// Watch limits change detection to these keys when non-empty.
	Watch []string `yaml:"watch,omitempty" json:"watch,omitempty"`
}

type EntityFields struct {
	Files    string `yaml:"files" json:"files"`
	Deadline string `yaml:"deadline" json:"deadline"`
	Task     string `yaml:"task" json:"task"`
	SyncAt   string `yaml:"sync_at" json:"sync_at"`
	SyncSrc  string `yaml:"sync_src" json:"sync_src"`
	Stage    string `yaml:"stage" json:"stage"`
	Title    string `yaml:"title" json:"title"`
	Assigned string `yaml:"assigned" json:"assigned"`
}

type EntityStages struct {
	Success string   `yaml:"success" json:"success"`
	Failed  []string `yaml:"failed" json:"failed"`
}

type EntityTask struct {
	TitlePrefix   string `yaml:"title_prefix" json:"title_prefix"`
	ResponsibleID int    `yaml:"responsible_id" json:"responsible_id"`
	GroupID       int    `yaml:"group_id,omitempty" json:"group_id,omitempty"`
}

type Checklist struct {
	// Extensions selects which attachments become checklist lines.
	Extensions []string `yaml:"extensions" json:"extensions"`
	// Labels are used when no attachment qualifies.
	Labels []Label `yaml:"labels,omitempty" json:"labels,omitempty"`
}

type Label struct {
	Key   string `yaml:"key" json:"key"`
	Title string `yaml:"title" json:"title"`
}

type Extract struct {
	Kinds []string `yaml:"kinds" json:"kinds"`
}

type entitiesFile struct {
	Entities []Entity `yaml:"entities"`
}

// LoadEntities reads and validates the entity profile file.
func LoadEntities(path string) ([]Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading entities file: %w", err)
	}
	return ParseEntities(data)
}

// ParseEntities decodes profile YAML, fills field defaults and rejects
// incomplete or duplicate profiles.
func ParseEntities(data []byte) ([]Entity, error) {
	var f entitiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing entities file: %w", err)
	}
	if len(f.Entities) == 0 {
		return nil, fmt.Errorf("entities file declares no entities")
	}

	seen := make(map[int]bool, len(f.Entities))
	for i := range f.Entities {
		e := &f.Entities[i]
		e.applyDefaults()
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("entity #%d (%s): %w", i+1, e.Name, err)
		}
		if seen[e.EntityTypeID] {
			return nil, fmt.Errorf("entity type %d declared twice", e.EntityTypeID)
		}
		seen[e.EntityTypeID] = true
	}
	return f.Entities, nil
}

func (e *Entity) applyDefaults() {
	if e.Fields.Stage == "" {
		e.Fields.Stage = "stageId"
	}
	if e.Fields.Title == "" {
		e.Fields.Title = "title"
	}
	if e.Fields.Assigned == "" {
		e.Fields.Assigned = "assignedById"
	}
	if len(e.Checklist.Extensions) == 0 {
		e.Checklist.Extensions = []string{"pdf"}
	}
	if len(e.Extract.Kinds) == 0 {
		e.Extract.Kinds = []string{"pdf"}
	}
	if e.Name == "" {
		e.Name = fmt.Sprintf("entity-%d", e.EntityTypeID)
	}
}

func (e *Entity) validate() error {
	if e.EntityTypeID <= 0 {
		return fmt.Errorf("entity_type_id must be positive")
	}
	var missing []string
	for name, v := range map[string]string{
		"fields.files":    e.Fields.Files,
		"fields.deadline": e.Fields.Deadline,
		"fields.task":     e.Fields.Task,
		"fields.sync_at":  e.Fields.SyncAt,
		"fields.sync_src": e.Fields.SyncSrc,
		"stages.success":  e.Stages.Success,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	for _, s := range e.Stages.Failed {
		if s == e.Stages.Success {
			return fmt.Errorf("stage %q is both success and failed", s)
		}
	}
	for _, l := range e.Checklist.Labels {
		if l.Key == "" || strings.ContainsAny(l.Key, "[]:") {
			return fmt.Errorf("invalid checklist label key %q", l.Key)
		}
	}
	return nil
}

// FindEntity returns the profile for entityTypeID.
func FindEntity(entities []Entity, entityTypeID int) (Entity, bool) {
	for _, e := range entities {
		if e.EntityTypeID == entityTypeID {
			return e, true
		}
	}
	return Entity{}, false
}
