package diff

import (
	"strings"

	"subwatch/internal/schedule"
)

// Config holds the institution-specific rules of the engine.
type Config struct {
	// DefaultKey is the identity key for categories without a rule.
	DefaultKey []int
	// Identity widens the key for categories whose default key conflates
	// distinct real-world events. Keys are matched case-insensitively.
	Identity map[string][]int

	Relevance RelevanceConfig
}

type RelevanceConfig struct {
	PrimaryField   int
	SecondaryField int
	// AssemblyMarkers are prefixes of the primary field that stand for a
	// replaced lesson (service, assembly) rather than a course.
	AssemblyMarkers []string
	// Abbreviations folds course-type prefixes, e.g. "GK" -> "G".
	Abbreviations map[string]string
}

func DefaultConfig() Config {
	return Config{
		DefaultKey: []int{schedule.FieldLesson, schedule.FieldCourse},
		Identity: map[string][]int{
			"Sondereinsatz": {schedule.FieldLesson, schedule.FieldCourse, schedule.FieldRoom, schedule.FieldTeacher},
			"Mitbetreuung":  {schedule.FieldLesson, schedule.FieldCourse, schedule.FieldRoom, schedule.FieldTeacher},
			"Klausur":       {schedule.FieldLesson, schedule.FieldCategory, schedule.FieldCourse},
		},
		Relevance: RelevanceConfig{
			PrimaryField:    schedule.FieldCourse,
			SecondaryField:  schedule.FieldSubstitute,
			AssemblyMarkers: []string{"Gottesdienst", "Messe", "Vollversammlung"},
			Abbreviations:   map[string]string{"GK": "G", "LK": "L", "ZK": "Z", "PK": "P"},
		},
	}
}

// normalized fills zero values from DefaultConfig and lowercases identity keys.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if len(c.DefaultKey) == 0 {
		c.DefaultKey = def.DefaultKey
	}
	if c.Identity == nil {
		c.Identity = def.Identity
	}
	ids := make(map[string][]int, len(c.Identity))
	for k, v := range c.Identity {
		ids[strings.ToLower(strings.TrimSpace(k))] = append([]int(nil), v...)
	}
	c.Identity = ids

	r := &c.Relevance
	if r.PrimaryField == 0 && r.SecondaryField == 0 {
		r.PrimaryField = def.Relevance.PrimaryField
		r.SecondaryField = def.Relevance.SecondaryField
	}
	if r.AssemblyMarkers == nil {
		r.AssemblyMarkers = def.Relevance.AssemblyMarkers
	}
	if r.Abbreviations == nil {
		r.Abbreviations = def.Relevance.Abbreviations
	}
	return c
}
