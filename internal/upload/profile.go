package upload

import (
	"mediavault/internal/errors"
	"mediavault/internal/validate"
)

// Profile describes one upload kind: its storage collection, constraints and
// which pipeline stages apply. Profiles are assembled in cmd and looked up by
// name when a queued job executes.
type Profile struct {
	Name        string
	Collection  string
	Disk        string
	SingleFile  bool
	RequireScan bool
	// Conversions are the named derived variants post-processing must
	// produce, e.g. "thumb", "medium", "large".
	Conversions []string
	// Queue overrides the default processing subject when set.
	Queue       string
	Constraints validate.Constraints
}

type Profiles map[string]Profile

func (p Profiles) Get(name string) (Profile, error) {
	profile, ok := p[name]
	if !ok {
		return Profile{}, errors.New(errors.ErrInvalidInput, "Unknown upload profile", nil)
	}
	return profile, nil
}

// ConversionsByCollection flattens the registry into the lookup shape the
// coalescing scheduler wants: storage collection to variant names.
func (p Profiles) ConversionsByCollection() map[string][]string {
	out := make(map[string][]string)
	for _, profile := range p {
		if len(profile.Conversions) > 0 {
			out[profile.Collection] = profile.Conversions
		}
	}
	return out
}

// DefaultProfiles is the upload profile registry shared by the API and the
// worker. Constraints are enforced twice: once against declared values at the
// edge, once against real bytes in the pipeline.
func DefaultProfiles() Profiles {
	return Profiles{
		"avatar": {
			Name:        "avatar",
			Collection:  "avatars",
			Disk:        "media",
			SingleFile:  true,
			RequireScan: true,
			Conversions: []string{"thumb", "preview"},
			Constraints: validate.Constraints{
				MaxBytes:              5 * 1024 * 1024, // 5MB
				AllowedMIME:           []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
				MinDimension:          64,
				MaxDimension:          8192,
				MaxMegapixels:         40,
				MaxDecompressionRatio: 50,
			},
		},
		"gallery": {
			Name:        "gallery",
			Collection:  "gallery",
			Disk:        "media",
			RequireScan: true,
			Conversions: []string{"thumb", "medium", "large"},
			Constraints: validate.Constraints{
				MaxBytes:              25 * 1024 * 1024, // 25MB
				AllowedMIME:           []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/avif"},
				MaxDimension:          16384,
				MaxMegapixels:         120,
				MaxDecompressionRatio: 50,
			},
		},
		"document": {
			Name:        "document",
			Collection:  "documents",
			Disk:        "media",
			RequireScan: true,
			Constraints: validate.Constraints{
				MaxBytes:    50 * 1024 * 1024, // 50MB
				AllowedMIME: []string{"application/pdf"},
			},
		},
	}
}
